package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Tier identifies which cache tier answered a lookup.
type Tier string

const (
	TierNone Tier = "none"
	TierL1   Tier = "l1"
	TierL2   Tier = "l2"
)

// Tiered fronts the in-process L1 with an optional distributed L2. L2
// writes are fire-and-forget: a failed write logs and the response is
// served regardless.
type Tiered struct {
	l1 *MemoryCache
	l2 Cache // nil when not configured
}

// NewTiered builds the two-tier cache. l2 may be nil.
func NewTiered(l1 *MemoryCache, l2 Cache) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// Get checks L1, then L2. An L2 hit is promoted into L1 with the given
// promotion TTL.
func (t *Tiered) Get(ctx context.Context, key string, promoteTTL time.Duration) ([]byte, Tier) {
	if v, err := t.l1.Get(ctx, key); err == nil {
		return v, TierL1
	}
	if t.l2 == nil {
		return nil, TierNone
	}
	v, err := t.l2.Get(ctx, key)
	if err != nil {
		if err != ErrCacheMiss {
			log.Warn().Err(err).Str("key", key).Msg("L2 cache read failed")
		}
		return nil, TierNone
	}
	_ = t.l1.Set(ctx, key, v, promoteTTL)
	return v, TierL2
}

// Set writes through L1 and dispatches the L2 write in the background.
// The background write is detached from the request context so an
// expiring request cannot leave a half-written entry behind.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = t.l1.Set(ctx, key, value, ttl)
	if t.l2 == nil {
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.l2.Set(bg, key, value, ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("L2 cache write failed")
		}
	}()
}

// Close releases both tiers.
func (t *Tiered) Close() error {
	err := t.l1.Close()
	if t.l2 != nil {
		if l2err := t.l2.Close(); err == nil {
			err = l2err
		}
	}
	return err
}
