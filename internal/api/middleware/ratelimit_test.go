package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bigkaa/assetgate/internal/service"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_HeadersOnEveryResponse(t *testing.T) {
	limiter := service.NewRateLimiter(service.NewMemoryWindowStore(), "api", 5, time.Minute)
	h := RateLimit(limiter)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, хотели 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, хотели \"5\"", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, хотели \"4\"", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset не проставлен")
	}
}

func TestRateLimit_DeniedWithRetryAfter(t *testing.T) {
	limiter := service.NewRateLimiter(service.NewMemoryWindowStore(), "tokens", 2, time.Minute)
	h := RateLimit(limiter)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/assets/x/access-token", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets/x/access-token", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, хотели 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After не проставлен при отказе")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, хотели \"0\"", got)
	}
}

func TestRateLimit_KeysIsolated(t *testing.T) {
	limiter := service.NewRateLimiter(service.NewMemoryWindowStore(), "files", 1, time.Minute)
	h := RateLimit(limiter)(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/api/v1/files/secure/a", nil)
	first.RemoteAddr = "10.0.0.1:1111"
	h.ServeHTTP(httptest.NewRecorder(), first)

	// Другой клиент не должен упереться в лимит первого
	second := httptest.NewRequest(http.MethodGet, "/api/v1/files/secure/a", nil)
	second.RemoteAddr = "10.0.0.2:2222"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, second)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d для другого клиента, хотели 200", rec.Code)
	}
}

func TestClientKey_SourcePriority(t *testing.T) {
	t.Run("субъект JWT важнее IP", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1111"
		ctx := context.WithValue(req.Context(), ContextKeyClaims, &AuthClaims{Subject: "user-42"})
		req = req.WithContext(ctx)

		if got := clientKey(req); got != "user-42" {
			t.Errorf("clientKey = %q, хотели \"user-42\"", got)
		}
	})

	t.Run("X-Forwarded-For: первый hop", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1111"
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 70.41.3.18")

		if got := clientKey(req); got != "203.0.113.7" {
			t.Errorf("clientKey = %q, хотели \"203.0.113.7\"", got)
		}
	})

	t.Run("fallback на RemoteAddr без порта", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.5:9999"

		if got := clientKey(req); got != "192.168.1.5" {
			t.Errorf("clientKey = %q, хотели \"192.168.1.5\"", got)
		}
	})
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health/live", "/health/live"},
		{"/metrics", "/metrics"},
		{"/api/v1/audit", "/api/v1/audit"},
		{"/api/v1/files/secure/1aBcD2eFgH3iJkL4mNoP", "/api/v1/files/secure/{file_id}"},
		{"/api/v1/assets/a1b2c3d4-e5f6-7890-abcd-ef1234567890/thumbnail", "/api/v1/assets/{id}/thumbnail"},
		{"/api/v1/assets/a1b2c3d4-e5f6-7890-abcd-ef1234567890/access-token", "/api/v1/assets/{id}/access-token"},
		{"/api/v1/assets/a1b2c3d4-e5f6-7890-abcd-ef1234567890", "/api/v1/assets/{id}"},
		{"/unknown", "/unknown"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, хотели %q", tt.path, got, tt.want)
		}
	}
}
