package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loadforge/loadforge/pkg/composables"
	"github.com/loadforge/loadforge/pkg/constants"
	"github.com/loadforge/loadforge/pkg/httpapi"
)

// Provide stores value under key in every request context.
func Provide(key constants.ContextKey, value any) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), key, value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProvideUser binds the identity the upstream identity provider put into
// header. Requests without it stay anonymous.
func ProvideUser(header string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(header))
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := composables.WithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, constants.LoggerKey, composables.UseLogger(ctx).WithField("user-id", userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := composables.UseUserID(r.Context()); !ok {
				_ = httpapi.WriteError(w, http.StatusUnauthorized, httpapi.CodeUnauthenticated, "authentication required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
