package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ContextKey is the key type for context values.
type ContextKey string

// ClaimsContextKey holds the verified token claims of a request.
const ClaimsContextKey ContextKey = "auth_claims"

// Middleware guards an HTTP handler with bearer tokens. Browsers cannot
// attach headers to WebSocket upgrades, so a token query parameter is
// accepted when the Authorization header is absent.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if h := r.Header.Get("Authorization"); h != "" {
			var err error
			token, err = ExtractBearerToken(h)
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
		} else {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, `{"error":"bearer token required"}`, http.StatusUnauthorized)
			return
		}
		claims, err := m.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header is not a bearer token")
	}
	return strings.TrimSpace(parts[1]), nil
}

// ClaimsFrom returns the verified claims attached by Middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return c, ok
}
