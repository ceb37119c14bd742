package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/reqcorr/internal/app"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/shutdown"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the correlation engine behind its HTTP API",
	Long: `Serve accepts lifecycle events on /v1/events/*, correlates them per channel
and publishes completed records to the record store and to /ws subscribers.

Example:
  reqcorr serve
  reqcorr serve --addr :9000 --config ./config.yaml
  REQCORR_STORE_DRIVER=sqlite reqcorr serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, logger, err := buildApp(cmd.Context(), "serve")
	if err != nil {
		return err
	}
	defer logger.Close()

	mgr := shutdown.New(a.Config.Server.ShutdownTimeout, logger)
	a.RegisterShutdown(mgr)

	return serveUntilDone(cmd.Context(), a, mgr)
}

func buildApp(ctx context.Context, sub string) (*app.App, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger, err := newLogger(cfg, sub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, Version)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return a, logger, nil
}

// serveUntilDone runs the HTTP server until a signal arrives or it fails,
// then runs every registered shutdown step
func serveUntilDone(ctx context.Context, a *app.App, mgr *shutdown.Manager) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.Config.Log.File && a.Config.Log.MaxSizeMB > 0 {
		go rotateLogs(ctx, a.Logger, a.Config.Log.MaxSizeMB<<20)
	}

	errCh := a.Start()
	failed := make(chan error, 1)
	go func() {
		if err := <-errCh; err != nil {
			failed <- err
			cancel()
		}
	}()

	if err := mgr.Wait(ctx); err != nil {
		return err
	}
	select {
	case err := <-failed:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
		return nil
	}
}

const logRotateInterval = time.Minute

func rotateLogs(ctx context.Context, logger *logging.Logger, maxBytes int64) {
	ticker := time.NewTicker(logRotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := logger.RotateIfNeeded(maxBytes); err != nil {
				logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
