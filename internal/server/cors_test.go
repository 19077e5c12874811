package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"framemill/internal/observability/metrics"
)

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://studio.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/process/abc", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Host = "render.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 status, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Content-Disposition, X-Request-Id" {
		t.Fatalf("unexpected expose headers: %q", got)
	}
}

func TestCORSMiddlewareAllowsPreflight(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://studio.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/process", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	req.Host = "render.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("expected allow methods to be set")
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type" {
		t.Fatalf("unexpected allow headers: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/process", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Host = "render.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected request to be blocked before reaching next handler")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsSameOriginByDefault(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://render.example.com")
	req.Host = "render.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected same-origin request to reach next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 status, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://render.example.com" {
		t.Fatalf("expected allow origin header for same-origin request, got %q", got)
	}
}

func TestServerCORSAllowsConfiguredOrigins(t *testing.T) {
	srv, err := New(newTestHandler(t), Config{
		Addr:    "127.0.0.1:0",
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		CORS:    CORSConfig{AllowedOrigins: []string{"https://studio.example.com"}},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://studio.example.com")

	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK && rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected health status %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
}

func TestServerCORSBlocksUnknownOrigin(t *testing.T) {
	srv, err := New(newTestHandler(t), Config{
		Addr:    "127.0.0.1:0",
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		CORS:    CORSConfig{AllowedOrigins: []string{"https://studio.example.com"}},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}
