// Package app assembles the engine, its sinks and the HTTP surface from a
// loaded configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/psantana5/reqcorr/pkg/api"
	"github.com/psantana5/reqcorr/pkg/auth"
	"github.com/psantana5/reqcorr/pkg/autocapture"
	"github.com/psantana5/reqcorr/pkg/broadcast"
	"github.com/psantana5/reqcorr/pkg/config"
	"github.com/psantana5/reqcorr/pkg/engine"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/notary"
	"github.com/psantana5/reqcorr/pkg/ratelimit"
	"github.com/psantana5/reqcorr/pkg/retry"
	"github.com/psantana5/reqcorr/pkg/shutdown"
	"github.com/psantana5/reqcorr/pkg/store"
	rtls "github.com/psantana5/reqcorr/pkg/tls"
	"github.com/psantana5/reqcorr/pkg/tracing"
)

const serviceName = "reqcorr"

// App holds every long-lived component
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.Provider
	Store   store.RecordStore
	Hub     *broadcast.Hub
	Notary  *notary.Client
	Engine  *engine.Engine
	Server  *http.Server
}

// New builds the application. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, version string) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	a.Tracing = tp

	rs, err := store.New(cfg.Store.Driver, cfg.Store.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	a.Store = rs

	a.Hub = broadcast.NewHub(cfg.Broadcast.SubscriberBuffer, logger, a.Metrics)

	var capture engine.CaptureOptions
	if cfg.AutoCapture.Enabled {
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxRetries = cfg.Notary.Retries
		opts := []notary.Option{notary.WithRetry(retryCfg)}
		if cfg.Notary.CAFile != "" || cfg.Notary.CertFile != "" {
			tlsCfg, err := rtls.ClientConfig(cfg.Notary.CAFile, cfg.Notary.CertFile, cfg.Notary.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load notary TLS settings: %w", err)
			}
			opts = append(opts, notary.WithHTTPClient(&http.Client{
				Timeout:   cfg.Notary.Timeout,
				Transport: &http.Transport{TLSClientConfig: tlsCfg},
			}))
		}
		a.Notary = notary.NewClient(cfg.Notary.URL, cfg.Notary.Timeout, logger, opts...)

		capture = engine.CaptureOptions{
			Detector: &autocapture.Detector{
				Method:       cfg.AutoCapture.Method,
				ResourceType: cfg.AutoCapture.ResourceType,
				URLPattern:   cfg.AutoCapture.URLPattern,
			},
			Buffer:            autocapture.NewBuffer(cfg.AutoCapture.BufferCapacity, cfg.AutoCapture.BufferTTL),
			Notarizer:         a.Notary,
			Listener:          autocapture.Listeners{a.Notary, a.Hub},
			MaxTranscriptSize: cfg.AutoCapture.MaxTranscriptSize,
			ForwardTimeout:    cfg.Notary.Timeout,
		}
	}

	a.Engine = engine.New(engine.Sinks{engine.StoreSink(rs), a.Hub}, capture, logger, a.Metrics)

	handler, err := a.handler(version)
	if err != nil {
		return nil, err
	}
	a.Server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Server.TLSEnabled() {
		tlsCfg, err := rtls.ServerConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("failed to load server TLS settings: %w", err)
		}
		a.Server.TLSConfig = tlsCfg
	}
	return a, nil
}

func (a *App) handler(version string) (http.Handler, error) {
	verifier, err := auth.NewKeyVerifier(a.Config.Auth.APIKeys, a.Config.Auth.APIKeyHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to load API keys: %w", err)
	}
	if !verifier.Enabled() {
		a.Logger.Warn("No API keys configured, authentication disabled")
	}

	h := api.NewHandler(a.Engine, a.Store, a.Logger, version)
	return api.NewRouter(h, api.RouterOptions{
		Metrics:   a.Metrics,
		WebSocket: broadcast.NewWebSocketHandler(a.Hub),
		Verifier:  verifier,
		Limiter:   ratelimit.NewLimiter(a.Config.RateLimit.RPS, a.Config.RateLimit.Burst),
		Tracing:   a.Tracing,
	}), nil
}

// Handler returns the root HTTP handler
func (a *App) Handler() http.Handler {
	return a.Server.Handler
}

// Start serves HTTP in the background. Listen errors are reported on the
// returned channel.
func (a *App) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server listening", map[string]interface{}{
			"addr":        a.Config.Server.Addr,
			"autocapture": a.Engine.CaptureEnabled(),
			"store":       a.Config.Store.Driver,
			"tls":         a.Server.TLSConfig != nil,
		})
		var err error
		if a.Server.TLSConfig != nil {
			err = a.Server.ListenAndServeTLS("", "")
		} else {
			err = a.Server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// RegisterShutdown adds the teardown steps to m. Steps run in reverse, so
// the server stops accepting events before in-flight forwards are drained
// and the sinks are closed.
func (a *App) RegisterShutdown(m *shutdown.Manager) {
	m.Register("tracing", a.Tracing.Shutdown)
	m.Register("store", shutdown.CloseResource(a.Store))
	m.Register("hub", shutdown.CloseResource(a.Hub))
	m.Register("engine", a.Engine.Close)
	m.Register("http-server", shutdown.StopHTTPServer(a.Server))
}
