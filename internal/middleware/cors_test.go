package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsTestHandler(cfg CORSConfig) http.Handler {
	return CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORS_DisabledWhenNoOrigins(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"", "  "}} {
		handler := corsTestHandler(CORSConfig{AllowedOrigins: origins})
		req := httptest.NewRequest(http.MethodGet, "/generations", nil)
		req.Header.Set("Origin", "https://evil.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("origins %q: expected no CORS headers, got %q", origins, got)
		}
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	handler := corsTestHandler(CORSConfig{AllowedOrigins: []string{" https://app.example "}})
	req := httptest.NewRequest(http.MethodGet, "/accounts/acct_a/balance", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}
}

func TestCORS_UnauthorizedOrigin(t *testing.T) {
	handler := corsTestHandler(CORSConfig{AllowedOrigins: []string{"https://app.example"}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin for unknown origin, got %q", got)
	}
}

func TestCORS_PreflightAllowsIdempotencyKey(t *testing.T) {
	handler := corsTestHandler(CORSConfig{AllowedOrigins: []string{"https://app.example"}, MaxAge: 600})
	req := httptest.NewRequest(http.MethodOptions, "/checkout", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("expected allow-origin on preflight, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("expected max age 600, got %q", got)
	}
}
