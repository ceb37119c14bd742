package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/reqcorr/pkg/auth"
	"github.com/psantana5/reqcorr/pkg/ratelimit"
	"github.com/psantana5/reqcorr/pkg/tracing"
)

// RouterOptions carries the optional pieces of the HTTP surface
type RouterOptions struct {
	Metrics   http.Handler // served at /metrics
	WebSocket http.Handler // served at /ws
	Verifier  *auth.KeyVerifier
	Limiter   *ratelimit.Limiter
	Tracing   *tracing.Provider
}

// NewRouter builds the full route tree.
// /health and /metrics are open; /v1 and /ws require an API key when keys are
// configured, and /v1 is rate limited per client.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	if opts.Tracing != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracing))
	}

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	if opts.Verifier != nil {
		v1.Use(mux.MiddlewareFunc(opts.Verifier.Middleware()))
	}
	if opts.Limiter != nil {
		v1.Use(mux.MiddlewareFunc(opts.Limiter.Middleware(ratelimit.APIKeyFunc)))
	}
	h.RegisterRoutes(v1)

	if opts.WebSocket != nil {
		ws := opts.WebSocket
		if opts.Verifier != nil {
			ws = opts.Verifier.Middleware()(ws)
		}
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}

	return r
}
