// Package cache provides the in-process TTL cache backing slowly-changing
// reference data: the trading calendar, stock metadata and last-synced-date
// lookups. It never owns authoritative state, only lifetime-bounded copies.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Manager is a byte-budgeted cache with per-key TTL and least-recently-used
// eviction. A hit only takes the shared read lock; recency is tracked with
// per-entry atomic stamps so concurrent readers never serialize on hits.
type Manager struct {
	mu       sync.RWMutex
	maxBytes int64
	used     int64
	entries  map[string]*entry
	logger   *zap.Logger

	clock     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions int64
}

type entry struct {
	key       string
	value     interface{}
	size      int64
	expiresAt time.Time
	stamp     atomic.Int64
}

// NewManager creates a cache bounded to maxBytes. A non-positive budget
// falls back to 64 MiB.
func NewManager(maxBytes int64, logger *zap.Logger) *Manager {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Manager{
		maxBytes: maxBytes,
		entries:  make(map[string]*entry),
		logger:   logger,
	}
}

// Get returns the cached value for key. Expired entries are treated as
// absent and removed lazily.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		m.misses.Add(1)
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check: another writer may have replaced the entry since the
		// read lock was dropped.
		if cur, still := m.entries[key]; still && cur == e {
			m.removeLocked(e)
		}
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}

	e.stamp.Store(m.clock.Add(1))
	m.hits.Add(1)
	return e.value, true
}

// Put stores value under key with the given TTL and approximate byte size,
// evicting least-recently-used entries once the budget is exceeded.
func (m *Manager) Put(key string, value interface{}, size int64, ttl time.Duration) {
	if size < 0 {
		size = 0
	}
	e := &entry{
		key:       key,
		value:     value,
		size:      size,
		expiresAt: time.Now().Add(ttl),
	}
	e.stamp.Store(m.clock.Add(1))

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.removeLocked(old)
	}
	m.entries[key] = e
	m.used += size

	now := time.Now()
	for m.used > m.maxBytes && len(m.entries) > 1 {
		victim := m.victimLocked(e, now)
		if victim == nil {
			break
		}
		m.evictions++
		m.removeLocked(victim)
	}

	if m.used > m.maxBytes && m.logger != nil {
		m.logger.Warn("Cache entry exceeds byte budget on its own",
			zap.String("key", key),
			zap.Int64("size", size),
			zap.Int64("budget", m.maxBytes))
	}
}

// victimLocked picks the next entry to evict: an expired one if any exists,
// otherwise the one with the oldest access stamp. The entry being inserted
// is never the victim.
func (m *Manager) victimLocked(keep *entry, now time.Time) *entry {
	var oldest *entry
	for _, e := range m.entries {
		if e == keep {
			continue
		}
		if now.After(e.expiresAt) {
			return e
		}
		if oldest == nil || e.stamp.Load() < oldest.stamp.Load() {
			oldest = e
		}
	}
	return oldest
}

// Invalidate drops key from the cache.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.removeLocked(e)
	}
}

// Len returns the number of live entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// UsedBytes returns the current accounted size.
func (m *Manager) UsedBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Stats reports hit/miss/eviction counters.
func (m *Manager) Stats() (hits, misses, evictions int64) {
	m.mu.RLock()
	ev := m.evictions
	m.mu.RUnlock()
	return m.hits.Load(), m.misses.Load(), ev
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.entries, e.key)
	m.used -= e.size
}
