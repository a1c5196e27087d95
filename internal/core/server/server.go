package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lifemapper/mapfront/internal/core/config"
	"github.com/lifemapper/mapfront/internal/core/health"
	middleware "github.com/lifemapper/mapfront/internal/core/middleware"
	"github.com/lifemapper/mapfront/internal/core/router"
)

// Deps are the handlers mounted on the router.
type Deps struct {
	API     router.API
	Hub     http.Handler
	Ready   map[string]health.Pinger
	Metrics http.Handler
}

// NewRouter builds the route table.
func NewRouter(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Metrics())

	metricsHandler := d.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready, 2*time.Second))
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/overlays", d.API.HandleOverlays)
		r.Post("/markers", d.API.HandleMarkers)
		r.Get("/prefs/{category}/{key}", d.API.HandleGetPref)
		r.Put("/prefs/{category}/{key}", d.API.HandlePutPref)
	})
	if d.Hub != nil {
		r.Method(http.MethodGet, "/ws", d.Hub)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
