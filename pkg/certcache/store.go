package certcache

import (
	"sync"
	"time"

	"github.com/jnovack/tls-proxy/pkg/ca"
)

// Store is the key-value contract for retained leaf certificates. No
// particular backend is mandated; MemoryStore is the default.
type Store interface {
	// Get returns the unexpired leaf for key, or nil. Expired entries are
	// purged lazily by this call.
	Get(key string) *ca.Leaf
	// Put stores leaf under key with the given expiry.
	Put(key string, leaf *ca.Leaf, expiresAt time.Time)
	// Evict removes key.
	Evict(key string)
	// Len returns the number of retained entries.
	Len() int
}

// entry wraps a leaf with the timestamps eviction decisions are based on.
type entry struct {
	leaf       *ca.Leaf
	expiresAt  time.Time
	insertedAt time.Time
	lastAccess time.Time
}

// MemoryStore is an in-memory Store with a soft entry cap. When the cap is
// exceeded the oldest-inserted entries are evicted.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
}

// NewMemoryStore creates a MemoryStore retaining at most maxEntries leaves.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryStore{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

// Get returns the unexpired leaf for key, purging it if past expiry.
func (s *MemoryStore) Get(key string) *ca.Leaf {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	e.lastAccess = time.Now()
	return e.leaf
}

// Put stores leaf under key, evicting oldest-inserted entries past the cap.
func (s *MemoryStore) Put(key string, leaf *ca.Leaf, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.entries[key] = &entry{
		leaf:       leaf,
		expiresAt:  expiresAt,
		insertedAt: now,
		lastAccess: now,
	}
	for len(s.entries) > s.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range s.entries {
			if oldestKey == "" || e.insertedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.insertedAt
			}
		}
		delete(s.entries, oldestKey)
	}
}

// Evict removes key from the store.
func (s *MemoryStore) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the current entry count.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
