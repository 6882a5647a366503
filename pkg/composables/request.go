package composables

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/pkg/constants"
)

// UseLogger returns the request scoped logger, or an entry of the standard
// logger outside of a request.
func UseLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(constants.LoggerKey).(*logrus.Entry); ok {
		return logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithUserID binds the identity resolved by the identity provider.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, constants.UserKey, userID)
}

// UseUserID returns the caller's identity. The second return value is false
// for anonymous requests.
func UseUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(constants.UserKey).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// GetLastQueryParam returns the last occurrence of a query parameter, since earlier
// occurrences may be stale values from the URL.
func GetLastQueryParam(r *http.Request, key string) string {
	values := r.URL.Query()[key]
	if len(values) > 0 {
		return values[len(values)-1]
	}
	return ""
}

// GetQueryList splits a comma separated query parameter, accepting repeated keys too.
//
// Example:
//
//	URL: /phases/latest?ids=a,b&ids=c
//	GetQueryList(r, "ids") returns ["a", "b", "c"]
func GetQueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
