package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache is the in-process L1: a bytes-bounded LRU with per-entry
// TTLs. Eviction happens on write once the byte budget is exceeded.
type MemoryCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	done     chan struct{}
	closeOne sync.Once
}

type memoryEntry struct {
	key        string
	value      []byte
	expiration time.Time
}

// NewMemoryCache creates a new in-memory cache bounded to maxBytes of
// cached values.
func NewMemoryCache(maxBytes int64) *MemoryCache {
	mc := &MemoryCache{
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		done:     make(chan struct{}),
	}

	go mc.cleanup()

	return mc
}

// Get retrieves a value and marks it most recently used.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiration) {
		m.removeLocked(el)
		return nil, ErrCacheMiss
	}
	m.order.MoveToFront(el)
	return entry.value, nil
}

// Set stores a value, evicting least recently used entries as needed to
// stay within the byte budget. Values larger than the budget are dropped.
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if int64(len(value)) > m.maxBytes {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}

	entry := &memoryEntry{key: key, value: value, expiration: time.Now().Add(ttl)}
	m.entries[key] = m.order.PushFront(entry)
	m.curBytes += int64(len(value))

	for m.curBytes > m.maxBytes {
		back := m.order.Back()
		if back == nil {
			break
		}
		m.removeLocked(back)
	}
	return nil
}

// Delete removes a value from cache
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

// Bytes returns the current cached value bytes.
func (m *MemoryCache) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curBytes
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryCache) removeLocked(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	m.order.Remove(el)
	delete(m.entries, entry.key)
	m.curBytes -= int64(len(entry.value))
}

// cleanup periodically removes expired items
func (m *MemoryCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for el := m.order.Back(); el != nil; {
				prev := el.Prev()
				if now.After(el.Value.(*memoryEntry).expiration) {
					m.removeLocked(el)
				}
				el = prev
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (m *MemoryCache) Close() error {
	m.closeOne.Do(func() { close(m.done) })
	return nil
}
