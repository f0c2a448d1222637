package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultMaxEntries = 10000

// Memory is a bounded LRU with per-entry expiry.
// It serves single-node deployments and the local tier of Tiered.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	entries    map[string]*list.Element
	recency    *list.List
	now        func() time.Time

	hits, misses, evictions uint64
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemory creates a cache holding at most maxEntries values. Set calls
// without a TTL use defaultTTL; zero means such entries never expire.
func NewMemory(maxEntries int, defaultTTL time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*list.Element),
		recency:    list.New(),
		now:        time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, nil
	}
	e := elem.Value.(*memoryEntry)
	if m.expired(e) {
		m.drop(elem)
		m.misses++
		return nil, nil
	}
	m.recency.MoveToFront(elem)
	m.hits++
	return e.value, nil
}

// Set stores value, evicting the least recently used entries over capacity.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	if elem, ok := m.entries[key]; ok {
		e := elem.Value.(*memoryEntry)
		e.value, e.expiresAt = value, expiresAt
		m.recency.MoveToFront(elem)
		return nil
	}

	m.entries[key] = m.recency.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	for m.recency.Len() > m.maxEntries {
		m.drop(m.recency.Back())
		m.evictions++
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[key]; ok {
		m.drop(elem)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Close drops every entry.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.recency.Init()
	return nil
}

// CacheStats reports hit, miss and eviction counts.
func (m *Memory) CacheStats() domain.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CacheStats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Entries:   m.recency.Len(),
	}
}

func (m *Memory) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

func (m *Memory) drop(elem *list.Element) {
	m.recency.Remove(elem)
	delete(m.entries, elem.Value.(*memoryEntry).key)
}
