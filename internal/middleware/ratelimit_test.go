package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}, false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 10}, true},
		{"public default", DefaultPublicLimit(), false},
		{"admin default", DefaultAdminLimit(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryRateLimitStore_Window(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	config := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := store.Allow(context.Background(), "k", config)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if remaining != 2-i {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, 2-i, remaining)
		}
	}

	now = now.Add(20 * time.Second)
	allowed, _, retryAfter := store.Allow(context.Background(), "k", config)
	if allowed {
		t.Fatal("4th request should be blocked")
	}
	if retryAfter != 40 {
		t.Errorf("expected retryAfter 40, got %d", retryAfter)
	}

	if allowed, _, _ := store.Allow(context.Background(), "other", config); !allowed {
		t.Error("keys must be independent")
	}

	now = now.Add(41 * time.Second)
	if allowed, _, _ := store.Allow(context.Background(), "k", config); !allowed {
		t.Error("request after window reset should be allowed")
	}
}

func TestInMemoryRateLimitStore_Cleanup(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second}
	store.Allow(context.Background(), "a", config)

	now = now.Add(2 * time.Second)
	store.Cleanup()
	if len(store.buckets) != 0 {
		t.Errorf("expected buckets to be cleaned up, got %d", len(store.buckets))
	}
}

func TestInMemoryRateLimitStore_Concurrent(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Minute}

	var mu sync.Mutex
	allowedCount := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _, _ := store.Allow(context.Background(), "shared", config); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowedCount)
	}
}

func TestRedisRateLimitStore_Allow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisRateLimitStore(client, nil, nil)
	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}

	mock.ExpectIncr("ratelimit:ip:1.2.3.4").SetVal(1)
	mock.ExpectExpire("ratelimit:ip:1.2.3.4", time.Minute).SetVal(true)
	mock.ExpectIncr("ratelimit:ip:1.2.3.4").SetVal(2)
	mock.ExpectIncr("ratelimit:ip:1.2.3.4").SetVal(3)
	mock.ExpectTTL("ratelimit:ip:1.2.3.4").SetVal(42 * time.Second)

	ctx := context.Background()
	if allowed, remaining, _ := store.Allow(ctx, "ip:1.2.3.4", config); !allowed || remaining != 1 {
		t.Errorf("first request: allowed=%v remaining=%d", allowed, remaining)
	}
	if allowed, remaining, _ := store.Allow(ctx, "ip:1.2.3.4", config); !allowed || remaining != 0 {
		t.Errorf("second request: allowed=%v remaining=%d", allowed, remaining)
	}
	allowed, _, retryAfter := store.Allow(ctx, "ip:1.2.3.4", config)
	if allowed {
		t.Error("third request should be blocked")
	}
	if retryAfter != 42 {
		t.Errorf("expected retryAfter 42, got %d", retryAfter)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisRateLimitStore_FailsOpen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	metrics := NewMetrics()
	store := NewRedisRateLimitStore(client, metrics, nil)
	config := RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}

	mock.ExpectIncr("ratelimit:k").SetErr(errors.New("connection refused"))

	allowed, remaining, _ := store.Allow(context.Background(), "k", config)
	if !allowed {
		t.Error("expected request to be allowed when redis fails")
	}
	if remaining != 5 {
		t.Errorf("expected full remaining on fail-open, got %d", remaining)
	}
	if got := testutil.ToFloat64(metrics.rateLimitRedisErrors); got != 1 {
		t.Errorf("expected 1 redis error, got %v", got)
	}
}

func TestRateLimiter_Blocks(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	metrics := NewMetrics()
	handler := RateLimiter(store, config, IPKeyFunc(), metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/accounts/acct_a/balance", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" || first.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected rate limit headers %v", first.Header())
	}

	second := send()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if ra, err := strconv.Atoi(second.Header().Get("Retry-After")); err != nil || ra <= 0 {
		t.Errorf("expected positive Retry-After, got %q", second.Header().Get("Retry-After"))
	}
	if second.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}
	if got := testutil.ToFloat64(metrics.rateLimitBlocked.WithLabelValues("/accounts/{id}/balance", "ip")); got != 1 {
		t.Errorf("expected 1 blocked request, got %v", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xRealIP    string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "203.0.113.1, 10.0.0.1", "", "10.0.0.2:80", "203.0.113.1"},
		{"single forwarded", "203.0.113.7", "", "10.0.0.2:80", "203.0.113.7"},
		{"real ip", "", "198.51.100.3", "10.0.0.2:80", "198.51.100.3"},
		{"remote addr", "", "", "192.0.2.4:1234", "192.0.2.4"},
		{"remote addr without port", "", "", "192.0.2.5", "192.0.2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubjectKeyFunc(t *testing.T) {
	keyFunc := SubjectKeyFunc()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1"

	if key, keyType := keyFunc(req); key != "ip:192.0.2.1" || keyType != "ip" {
		t.Errorf("expected ip fallback, got %s (%s)", key, keyType)
	}
	req = req.WithContext(SetSubject(req.Context(), "ops"))
	if key, keyType := keyFunc(req); key != "subject:ops" || keyType != "subject" {
		t.Errorf("expected subject key, got %s (%s)", key, keyType)
	}
}
