package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMiddlewareRecordsStatusAndPath(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodPost, "/process", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status passthrough, got %d", rr.Code)
	}

	label := requestLabel{method: "POST", path: "/process", status: "429"}
	recorder.mu.RLock()
	count := recorder.requestCount[label]
	recorder.mu.RUnlock()
	if count != 1 {
		t.Fatalf("expected one observation for %+v, got %d", label, count)
	}
}

func TestHTTPMiddlewareDefaultsStatusTo200(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			t.Errorf("write failed: %v", err)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	label := requestLabel{method: "GET", path: "/healthz", status: "200"}
	recorder.mu.RLock()
	count := recorder.requestCount[label]
	recorder.mu.RUnlock()
	if count != 1 {
		t.Fatalf("expected one observation for %+v, got %d", label, count)
	}
}

func TestHTTPMiddlewareNilRecorderUsesDefault(t *testing.T) {
	Default().Reset()
	t.Cleanup(func() { Default().Reset() })

	handler := HTTPMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	label := requestLabel{method: "GET", path: "/missing", status: "404"}
	Default().mu.RLock()
	count := Default().requestCount[label]
	Default().mu.RUnlock()
	if count != 1 {
		t.Fatalf("expected default recorder to capture request, got %d", count)
	}
}

func TestResponseRecorderStatusDefault(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
	rr.WriteHeader(http.StatusConflict)
	if rr.Status() != http.StatusConflict {
		t.Fatalf("expected recorded status 409, got %d", rr.Status())
	}
}
