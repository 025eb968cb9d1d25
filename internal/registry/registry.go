// Package registry is the table of live streams: the single source of truth
// for which stream keys are currently being published.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/stream"
)

var (
	// ErrAlreadyLive is returned when registering a key that already has a
	// live publisher.
	ErrAlreadyLive = errors.New("stream already live")

	// ErrNotFound is returned when looking up a key with no live publisher.
	ErrNotFound = errors.New("stream not found")

	// ErrResourceExhausted is returned when the registry is full.
	ErrResourceExhausted = errors.New("stream limit reached")
)

// Entry binds a live publisher session to the segmenter fed by it.
// Fields are set before registration and never change afterwards.
type Entry struct {
	Key       string
	Session   *stream.Session
	Segmenter hls.Segmenter
}

// Registry defines the concurrency-safe contract for the live stream table.
type Registry interface {
	// Register inserts e. Exactly one of several concurrent registrations
	// for the same key succeeds; the others get ErrAlreadyLive.
	Register(e *Entry) error

	// Lookup returns the live entry for key or ErrNotFound.
	Lookup(key string) (*Entry, error)

	// Unregister removes key if it is still owned by sessionID and closes
	// its segmenter, waking any waiting viewers. It reports whether an
	// entry was removed.
	Unregister(key, sessionID string) bool

	// ListActive returns the live keys in sorted order.
	ListActive() []string

	// Snapshot returns the live entries sorted by key.
	Snapshot() []*Entry

	// Len returns the number of live streams.
	Len() int

	// NextSequence returns the first segment number for a new publish
	// session on key: one past the last segment of the previous session,
	// or 0 for a key never published.
	NextSequence(key string) int64
}

// InMemoryRegistry is a concurrency-safe Registry over a Store. The lock is
// held only for the table operation itself, never while closing segmenters
// or doing I/O.
type InMemoryRegistry struct {
	mu         sync.RWMutex
	store      Store
	sequences  map[string]int64
	maxStreams int
	log        *slog.Logger
}

// New constructs a registry with a default in-memory store. maxStreams <= 0
// means unlimited. If log is nil, slog.Default() is used.
func New(maxStreams int, log *slog.Logger) *InMemoryRegistry {
	return NewWithStore(NewInMemoryStore(), maxStreams, log)
}

// NewWithStore constructs a registry that uses the given Store.
func NewWithStore(store Store, maxStreams int, log *slog.Logger) *InMemoryRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryRegistry{
		store:      store,
		sequences:  make(map[string]int64),
		maxStreams: maxStreams,
		log:        log.With("component", "registry"),
	}
}

// Register implements Registry.Register.
func (r *InMemoryRegistry) Register(e *Entry) error {
	if e == nil || e.Key == "" || e.Session == nil || e.Segmenter == nil {
		return fmt.Errorf("registry: incomplete entry")
	}

	r.mu.Lock()
	if _, exists := r.store.Get(e.Key); exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLive, e.Key)
	}
	// A segmenter numbered before the previous session ended was built
	// while that session was still live.
	if e.Segmenter.Stats().NextSequence < r.sequences[e.Key] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s (session ended during handshake)", ErrAlreadyLive, e.Key)
	}
	if r.maxStreams > 0 && r.store.Len() >= r.maxStreams {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d streams", ErrResourceExhausted, r.maxStreams)
	}
	r.store.Put(e)
	r.mu.Unlock()

	r.log.Info("stream registered", "key", e.Key, "session_id", e.Session.ID)
	return nil
}

// Lookup implements Registry.Lookup.
func (r *InMemoryRegistry) Lookup(key string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.store.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Unregister implements Registry.Unregister.
func (r *InMemoryRegistry) Unregister(key, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.store.Get(key)
	if !ok || e.Session.ID != sessionID {
		r.mu.Unlock()
		return false
	}
	r.store.Delete(key)
	if next := e.Segmenter.Stats().NextSequence; next > r.sequences[key] {
		r.sequences[key] = next
	}
	r.mu.Unlock()

	e.Segmenter.Close()
	r.log.Info("stream unregistered", "key", key, "session_id", sessionID)
	return true
}

// ListActive implements Registry.ListActive.
func (r *InMemoryRegistry) ListActive() []string {
	r.mu.RLock()
	keys := r.store.Keys()
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Snapshot implements Registry.Snapshot.
func (r *InMemoryRegistry) Snapshot() []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0, r.store.Len())
	for _, k := range r.store.Keys() {
		if e, ok := r.store.Get(k); ok {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Len implements Registry.Len.
func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Len()
}

// NextSequence implements Registry.NextSequence.
func (r *InMemoryRegistry) NextSequence(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sequences[key]
}
