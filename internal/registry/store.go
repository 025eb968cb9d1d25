package registry

// Store is the persistence abstraction for registry entries.
// Implementations need not be safe for concurrent use; the Registry
// serializes access.
type Store interface {
	Get(key string) (*Entry, bool)
	Put(e *Entry)
	Delete(key string)
	Keys() []string
	Len() int
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	entries map[string]*Entry
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(key string) (*Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(e *Entry) {
	s.entries[e.Key] = e
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(key string) {
	delete(s.entries, key)
}

// Keys implements Store.Keys. Order is unspecified.
func (s *InMemoryStore) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	return len(s.entries)
}
