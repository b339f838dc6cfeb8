package proxy

import "sync"

// RecordStore is a concurrency-safe in-memory ring of recent
// ConnectionRecord entries, for the /statusz view and tests.
type RecordStore struct {
	mu      sync.Mutex
	entries []ConnectionRecord
	max     int
}

// NewRecordStore creates a RecordStore retaining at most maxEntries records.
func NewRecordStore(maxEntries int) *RecordStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &RecordStore{max: maxEntries}
}

// Add appends a record, evicting the oldest when full.
func (s *RecordStore) Add(r ConnectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.max {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, r)
}

// List returns a snapshot copy of entries.
func (s *RecordStore) List() []ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionRecord, len(s.entries))
	copy(out, s.entries)
	return out
}

// Clear empties the store.
func (s *RecordStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
