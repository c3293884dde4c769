package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/http/api"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/http/ratelimit"
	"github.com/jw6ventures/calsync/internal/metrics"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter wires the health checks, metrics and the JSON API. Rate limiter sweeps
// stop when ctx is done.
func NewRouter(ctx context.Context, cfg *config.Config, db Pinger, svc api.Services, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// API: 20 requests per second per user, burst of 40
	apiLimiter := ratelimit.New("api", rate.Limit(20), 40, 5*time.Minute,
		ratelimit.ByHeader(api.UserHeader, ratelimit.ByIP(cfg.TrustedProxies)))
	// Provider callbacks: 50 per second per source address, burst of 100
	hookLimiter := ratelimit.New("webhooks", rate.Limit(50), 100, 5*time.Minute, ratelimit.ByIP(cfg.TrustedProxies))
	go apiLimiter.Run(ctx)
	go hookLimiter.Run(ctx)

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(limitPrefix("/api/", apiLimiter))
	r.Use(limitPrefix("/webhooks/", hookLimiter))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			httperrors.Unavailable(w, r, log, err, "readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	humaCfg := huma.DefaultConfig("Calsync API", "1.0.0")
	humaCfg.Info.Description = "Two-way sync between local calendars and a remote provider."
	humaAPI := humachi.New(r, humaCfg)

	logMW := api.NewLogger(log).Middleware()
	userMW := api.NewUserAuth(log).Middleware()
	api.NewHandler(svc, log,
		huma.Middlewares{logMW, userMW},
		huma.Middlewares{logMW},
	).SetupRoutes(humaAPI)

	return r
}

func limitPrefix(prefix string, l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := l.Middleware()(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

func NewServer(addr string, h http.Handler, log *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log.With(slog.String("component", "http_server")),
	}
}

// Run serves until ctx is done, then drains in-flight requests for up to
// ten seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", slog.Any("error", err))
		return err
	}
	return nil
}
