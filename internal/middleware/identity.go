package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// ClientIdentity extracts the authenticated caller identifier supplied by
// the reverse proxy. Requests without the header fall back to the remote
// address so the rate limiter still has a key.
func ClientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Client-ID")
		if id == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				id = host
			} else {
				id = r.RemoteAddr
			}
		}

		ctx := context.WithValue(r.Context(), ClientIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClientID extracts the caller identifier from context
func GetClientID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ClientIDKey).(string)
	return id, ok
}
