package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryCounter struct {
	count      int64
	expiration time.Time
}

type memoryBucket struct {
	tokens     float64
	last       time.Time
	expiration time.Time
}

type memoryWindow struct {
	entries    []time.Time
	expiration time.Time
}

// Memory is an in-memory implementation of Store.
// Suitable for single-instance deployments and development.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memoryCounter
	buckets  map[string]*memoryBucket
	windows  map[string]*memoryWindow
	hashes   map[string]map[string]string
	stopCh   chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the store's clock, for tests that need to advance time
// without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:      time.Now,
		counters: make(map[string]*memoryCounter),
		buckets:  make(map[string]*memoryBucket),
		windows:  make(map[string]*memoryWindow),
		hashes:   make(map[string]map[string]string),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

func (m *Memory) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return m.IncrementBy(ctx, key, 1, window)
}

func (m *Memory) IncrementBy(_ context.Context, key string, n int64, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.counters[key]

	if !exists || now.After(entry.expiration) {
		m.counters[key] = &memoryCounter{
			count:      n,
			expiration: now.Add(window),
		}
		return n, window, nil
	}

	entry.count += n
	ttl := max(0, entry.expiration.Sub(now))
	return entry.count, ttl, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.counters[key]
	if !exists || m.now().After(entry.expiration) {
		return 0, nil
	}

	return entry.count, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	delete(m.buckets, key)
	delete(m.windows, key)
	delete(m.hashes, key)
	return nil
}

func (m *Memory) TokenTake(_ context.Context, key string, capacity, refillPerSec, n float64) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	bucket, exists := m.buckets[key]
	if !exists || now.After(bucket.expiration) {
		bucket = &memoryBucket{tokens: capacity, last: now}
		m.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.last).Seconds()
	if elapsed > 0 {
		bucket.tokens = min(capacity, bucket.tokens+elapsed*refillPerSec)
	}
	bucket.last = now

	idle := 2 * time.Duration(float64(time.Second)*capacity/refillPerSec)
	bucket.expiration = now.Add(max(idle, time.Second))

	if bucket.tokens < n {
		return false, bucket.tokens, nil
	}
	bucket.tokens -= n
	return true, bucket.tokens, nil
}

func (m *Memory) WindowAllow(_ context.Context, key string, window time.Duration, limit int64) (bool, int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w := m.pruneWindow(key, now, window)

	allowed := int64(len(w.entries)) < limit
	if allowed {
		w.entries = append(w.entries, now)
	}

	var oldest time.Time
	if len(w.entries) > 0 {
		oldest = w.entries[0]
	}
	return allowed, int64(len(w.entries)), oldest, nil
}

func (m *Memory) WindowObserve(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w := m.pruneWindow(key, now, window)
	w.entries = append(w.entries, now)
	return int64(len(w.entries)), nil
}

// pruneWindow drops entries older than window and refreshes the expiry.
// Caller must hold the lock.
func (m *Memory) pruneWindow(key string, now time.Time, window time.Duration) *memoryWindow {
	w, exists := m.windows[key]
	if !exists || now.After(w.expiration) {
		w = &memoryWindow{}
		m.windows[key] = w
	}

	cutoff := now.Add(-window)
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].After(cutoff)
	})
	w.entries = w.entries[i:]
	w.expiration = now.Add(2 * window)
	return w
}

func (m *Memory) HashGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.hashes[key][field], nil
}

func (m *Memory) HashSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.hashes[key]
	if !exists {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HashDelete(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.hashes[key]
	if !exists {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for key, entry := range m.counters {
				if now.After(entry.expiration) {
					delete(m.counters, key)
				}
			}
			for key, bucket := range m.buckets {
				if now.After(bucket.expiration) {
					delete(m.buckets, key)
				}
			}
			for key, w := range m.windows {
				if now.After(w.expiration) {
					delete(m.windows, key)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}
