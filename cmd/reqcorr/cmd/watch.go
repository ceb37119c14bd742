package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/reqcorr/internal/cdp"
	"github.com/psantana5/reqcorr/pkg/shutdown"
)

var (
	watchControlURL string
	watchStartURL   string
	watchHeadless   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Correlate the requests of a Chromium browser over DevTools",
	Long: `Watch attaches to a browser (or launches one), turns every page into a
channel and feeds its network events into the engine. The HTTP API runs
alongside, so records can be queried and streamed while browsing.

Example:
  reqcorr watch
  reqcorr watch --start-url https://x.com/settings
  reqcorr watch --control-url ws://127.0.0.1:9222/devtools/browser/<id>`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	watchCmd.Flags().StringVar(&watchControlURL, "control-url", "", "DevTools URL of a running browser (overrides cdp.control_url)")
	watchCmd.Flags().StringVar(&watchStartURL, "start-url", "", "page to open once attached (overrides cdp.start_url)")
	watchCmd.Flags().BoolVar(&watchHeadless, "headless", false, "launch the browser headless (overrides cdp.headless)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, logger, err := buildApp(ctx, "watch")
	if err != nil {
		return err
	}
	defer logger.Close()

	cdpCfg := cdp.Config{
		ControlURL: a.Config.CDP.ControlURL,
		Headless:   a.Config.CDP.Headless,
		StartURL:   a.Config.CDP.StartURL,
	}
	if cmd.Flags().Changed("control-url") {
		cdpCfg.ControlURL = watchControlURL
	}
	if cmd.Flags().Changed("start-url") {
		cdpCfg.StartURL = watchStartURL
	}
	if cmd.Flags().Changed("headless") {
		cdpCfg.Headless = watchHeadless
	}

	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()

	source := cdp.NewSource(cdpCfg, a.Engine, logger)
	if err := source.Connect(sourceCtx); err != nil {
		return fmt.Errorf("failed to attach to browser: %w", err)
	}

	mgr := shutdown.New(a.Config.Server.ShutdownTimeout, logger)
	a.RegisterShutdown(mgr)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := source.Run(sourceCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Browser event source stopped", map[string]interface{}{"error": err})
			stopRun()
		}
	}()

	// registered last so the browser stops feeding events before the engine drains
	mgr.Register("cdp", func(ctx context.Context) error {
		stopSource()
		if err := shutdown.WaitFor(func() { <-done })(ctx); err != nil {
			return err
		}
		return source.Close()
	})

	return serveUntilDone(runCtx, a, mgr)
}
