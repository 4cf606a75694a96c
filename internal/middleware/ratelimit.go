package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/noctislabs/noctis-pacs/internal/config"
	"github.com/noctislabs/noctis-pacs/internal/metrics"
)

// Counter is a shared windowed counter. The Redis cache provides the
// distributed implementation; localCounter serves single-process setups.
type Counter interface {
	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimit enforces a per-client request budget per window. Over-limit
// requests get 429 with Retry-After; counter failures fail open so a cache
// outage does not take the read path down.
func RateLimit(cfg config.RateLimitConfig, counter Counter) func(http.Handler) http.Handler {
	if counter == nil {
		counter = newLocalCounter()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, _ := GetClientID(r.Context())
			key := fmt.Sprintf("ratelimit:%s", clientID)

			n, err := counter.IncrWithWindow(r.Context(), key, cfg.Window)
			if err != nil {
				log.Warn().Err(err).Msg("rate limit counter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			if n > int64(cfg.Requests) {
				metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":{"kind":"RateLimited","message":"request quota exceeded","details":{"limit":%d,"windowSeconds":%d}}}`,
					cfg.Requests, int(cfg.Window.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// localCounter is the in-process fallback when no distributed cache is
// configured. Windows are fixed, not sliding, matching the Redis variant.
type localCounter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

func newLocalCounter() *localCounter {
	return &localCounter{windows: make(map[string]*localWindow)}
}

func (c *localCounter) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	w, ok := c.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &localWindow{resetAt: now.Add(window)}
		c.windows[key] = w
	}
	w.count++

	// Opportunistic cleanup keeps the map from growing with one-off keys.
	if len(c.windows) > 10000 {
		for k, win := range c.windows {
			if now.After(win.resetAt) {
				delete(c.windows, k)
			}
		}
	}
	return w.count, nil
}
