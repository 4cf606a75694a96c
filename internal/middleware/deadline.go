package middleware

import (
	"context"
	"net/http"
	"time"
)

// Deadline installs a per-request context deadline so slow renders and
// index queries are cancelled instead of holding the connection. Handlers
// translate the resulting context.DeadlineExceeded into the Timeout kind.
func Deadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
