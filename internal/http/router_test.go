package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/http/api"
	"github.com/jw6ventures/calsync/internal/logging"
)

type fakePinger struct{ err error }

func (f *fakePinger) HealthCheck(ctx context.Context) error { return f.err }

func serve(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := &fakePinger{}
	h := NewRouter(ctx, &config.Config{}, db, api.Services{}, logging.Discard())

	if rec := serve(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
	db.err = errors.New("connection refused")
	if rec := serve(h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with db down = %d", rec.Code)
	}
}

func TestMetricsRouteFollowsConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	off := NewRouter(ctx, &config.Config{}, &fakePinger{}, api.Services{}, logging.Discard())
	if rec := serve(off, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics disabled = %d", rec.Code)
	}

	on := NewRouter(ctx, &config.Config{PrometheusEnabled: true}, &fakePinger{}, api.Services{}, logging.Discard())
	if rec := serve(on, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics enabled = %d", rec.Code)
	}
}

func TestAPIMounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewRouter(ctx, &config.Config{}, &fakePinger{}, api.Services{}, logging.Discard())

	if rec := serve(h, http.MethodGet, "/openapi.json", nil); rec.Code != http.StatusOK {
		t.Fatalf("openapi = %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/api/v1/sync/enabled", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("api without user = %d", rec.Code)
	}
}
