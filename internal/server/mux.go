// Package server provides HTTP server construction for the provider.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/oauth1-provider/internal/auth"
	"github.com/alexjbarnes/oauth1-provider/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Handlers      *auth.Handlers
	Authenticator *auth.Authenticator
	Endpoints     auth.Endpoints
	Realm         string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	// Resources is served under /api/ behind the OAuth middleware. It
	// may be nil.
	Resources http.Handler
}

// NewMux builds the HTTP mux with the three token endpoints, the
// protected resources, metrics and a health check. Protected resources
// go through the OAuth middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	m := cfg.Metrics
	h := cfg.Handlers

	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoints.RequestToken, m.Instrument("request_token", http.HandlerFunc(h.RequestToken)))
	mux.Handle(cfg.Endpoints.Authorize, m.Instrument("authorize", http.HandlerFunc(h.Authorize)))
	mux.Handle(cfg.Endpoints.AccessToken, m.Instrument("access_token", http.HandlerFunc(h.AccessToken)))

	authMiddleware := auth.Middleware(cfg.Authenticator, cfg.Realm, cfg.Logger)
	mux.Handle("/whoami", m.Instrument("whoami", authMiddleware(http.HandlerFunc(h.WhoAmI))))

	if cfg.Resources != nil {
		mux.Handle("/api/", m.Instrument("api", authMiddleware(cfg.Resources)))
	}

	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
