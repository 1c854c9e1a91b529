package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/vidcredit/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader is set on responses served from the store.
const IdempotentReplayHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds the request bodies fingerprinted by the middleware.
const maxIdempotentBody = 1 << 20

// IdempotencyConfig configures the Idempotency middleware.
type IdempotencyConfig struct {
	Repository idempotency.Repository
	// Routes lists the POST paths the middleware applies to.
	Routes map[string]bool
	// Required rejects requests to Routes that carry no key.
	Required bool
	TTL      time.Duration
	Logger   *slog.Logger
	Metrics  *Metrics
}

// idempotencyResponseWriter passes the response through and keeps a copy.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// The first request reserves the key; a concurrent repeat gets 409 and a
// repeat with a different body gets 422. Responses below 500 are stored;
// a 5xx releases the key so the client can retry.
func Idempotency(cfg IdempotencyConfig) func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = idempotency.DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !cfg.Routes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				if cfg.Required {
					reject(w, r, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required for this request")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					reject(w, r, http.StatusBadRequest, "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters")
				} else {
					reject(w, r, http.StatusBadRequest, "invalid_idempotency_key", "invalid Idempotency-Key format")
				}
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				reject(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
				return
			}
			if len(body) > maxIdempotentBody {
				reject(w, r, http.StatusRequestEntityTooLarge, "bad_request", "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			storageKey := idempotency.StorageKey(r.URL.Path, key)
			fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			existing, reserved, err := cfg.Repository.Reserve(ctx, &idempotency.Record{
				Key:         storageKey,
				Method:      r.Method,
				Route:       r.URL.Path,
				Fingerprint: fingerprint,
			}, cfg.TTL)
			if err != nil {
				// Without the store the handler's own guards still apply.
				cfg.Logger.ErrorContext(ctx, "failed to reserve idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !reserved {
				switch {
				case existing.Fingerprint != "" && existing.Fingerprint != fingerprint:
					cfg.Metrics.IncIdempotentReplay(r.URL.Path, "mismatch")
					reject(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused", "Idempotency-Key was used with a different request")
				case existing.Status != idempotency.StatusCompleted:
					cfg.Metrics.IncIdempotentReplay(r.URL.Path, "in_progress")
					reject(w, r, http.StatusConflict, "idempotency_in_progress", "a request with this Idempotency-Key is still in progress")
				default:
					cfg.Metrics.IncIdempotentReplay(r.URL.Path, "replayed")
					cfg.Logger.InfoContext(ctx, "idempotency key found, returning cached response",
						"key", key,
						"status", existing.ResponseStatusCode)
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set(IdempotentReplayHeader, "true")
					w.WriteHeader(existing.ResponseStatusCode)
					_, _ = io.WriteString(w, existing.ResponseBody)
				}
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 500 {
				if err := cfg.Repository.Release(ctx, storageKey); err != nil {
					cfg.Logger.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
				}
				return
			}
			if err := cfg.Repository.Complete(ctx, storageKey, capture.statusCode, capture.body.String()); err != nil {
				cfg.Logger.ErrorContext(ctx, "failed to store idempotent response", "key", key, "error", err)
			}
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))
	writeJSONError(w, status, code, message)
}
