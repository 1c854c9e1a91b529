package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/vidcredit/internal/auth"
)

// Authorizer validates a bearer token for a role.
type Authorizer interface {
	Authorize(token, role string) (*auth.Claims, error)
}

// RequireRole rejects requests without a bearer token granting role. The
// token subject is stored with SetSubject for handlers and the access log.
func RequireRole(authz Authorizer, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				UpdateResponseContext(w, SetErrorCode(r.Context(), "auth_failed"))
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", "bearer token required")
				return
			}

			claims, err := authz.Authorize(token, role)
			switch {
			case errors.Is(err, auth.ErrInsufficientRole):
				ctx := SetErrorCode(r.Context(), "forbidden")
				if claims != nil {
					ctx = SetSubject(ctx, claims.Subject)
				}
				UpdateResponseContext(w, ctx)
				writeJSONError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			case errors.Is(err, auth.ErrExpiredToken):
				UpdateResponseContext(w, SetErrorCode(r.Context(), "auth_failed"))
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", "token has expired")
				return
			case err != nil:
				UpdateResponseContext(w, SetErrorCode(r.Context(), "auth_failed"))
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
				return
			}

			ctx := SetSubject(r.Context(), claims.Subject)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
