// Package middleware holds the HTTP middleware of the development backend.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// CORS 允许浏览器客户端跨域访问。
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticator resolves a token to a user id.
type Authenticator func(token string) (int64, error)

type userKey struct{}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the user id set by Auth.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userKey{}).(int64)
	return id, ok
}

// Auth accepts "Authorization: Bearer <token>" or, for WebSocket handshakes,
// the access_token query parameter.
func Auth(authenticate Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				utils.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token")
				return
			}

			userID, err := authenticate(token)
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
