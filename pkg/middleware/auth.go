package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/apierr"
	"github.com/ngoyal88/meterproxy/pkg/hash"
	"github.com/ngoyal88/meterproxy/pkg/keymanager"
	"github.com/ngoyal88/meterproxy/pkg/logging"
)

// APIKeyHeader carries the caller credential as "Bearer <key>".
const APIKeyHeader = "X-Api-Key"

const lookupTimeout = 2 * time.Second

// Identity resolves the SHA-256 hex of an API key to its user id. Unknown
// keys return keymanager.ErrKeyNotFound.
type Identity interface {
	LookupUser(ctx context.Context, keyHash string) (string, error)
}

type contextKey string

const userIDContextKey contextKey = "user_id"

// Auth authenticates callers by API key and stores their user id in the
// request context.
func Auth(identity Identity, log *zap.Logger) func(http.Handler) http.Handler {
	log = logging.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ParseAPIKey(r.Header.Get(APIKeyHeader))
			if key == "" {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeAuthMissing, "missing X-Api-Key header")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
			userID, err := identity.LookupUser(ctx, hash.DigestString(key))
			cancel()
			if errors.Is(err, keymanager.ErrKeyNotFound) {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeAuthUnknown, "unknown API key")
				return
			}
			if err != nil {
				logging.FromContext(r.Context(), log).Error("identity lookup failed", zap.Error(err))
				apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, "identity lookup failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// ParseAPIKey extracts the key from a "Bearer <key>" header value. A bare
// key is accepted as well.
func ParseAPIKey(v string) string {
	v = strings.TrimSpace(v)
	if scheme, rest, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(rest)
	}
	if strings.EqualFold(v, "bearer") {
		return ""
	}
	return v
}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserFromContext returns the authenticated user id.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDContextKey).(string)
	return id, ok
}

// AdminAuth guards admin routes with a shared key in X-Admin-Key. An empty
// adminKey rejects every request.
func AdminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if adminKey == "" || got == "" || hash.DigestString(got) != hash.DigestString(adminKey) {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeAuthUnknown, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
