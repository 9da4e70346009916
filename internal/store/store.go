// Package store implements the shared, concurrency-safe keyspace:
// string and stream values keyed by name, with optional per-key
// expiration. Expired entries are invisible to reads; they stay in the
// map until the key is overwritten or deleted.
package store

import (
	"sync"
	"time"

	"rkv/internal/stream"
)

// ValueKind tags what an Entry holds. The list/hash/set members only
// give TYPE a name for those Redis types; nothing in rkv creates such
// entries (the RDB loader skips those value types).
type ValueKind int

const (
	KindString ValueKind = iota
	KindStream
	KindList
	KindHash
	KindSet
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindStream:
		return "stream"
	case KindList:
		return "list"
	case KindHash:
		return "hash"
	case KindSet:
		return "set"
	default:
		return "none"
	}
}

// Entry is one keyspace slot.
type Entry struct {
	Kind      ValueKind
	Str       []byte
	Stream    *stream.Stream
	CreatedAt time.Time
	TTL       time.Duration // zero means no expiration
}

func (e *Entry) expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Store is the shared keyspace. All methods are safe for concurrent
// use from multiple connection goroutines.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
}

func New() *Store {
	return &Store{data: make(map[string]*Entry)}
}

// SetString inserts or overwrites a string value, resetting
// created_at. ttl of zero means no expiration.
func (s *Store) SetString(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &Entry{
		Kind:      KindString,
		Str:       value,
		CreatedAt: time.Now(),
		TTL:       ttl,
	}
}

// GetString returns the live string value for key, or ok=false if the
// key is absent, expired, or not a string.
func (s *Store) GetString(key string) (value []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.data[key]
	if !found || e.Kind != KindString || e.expired(time.Now()) {
		return nil, false
	}
	return e.Str, true
}

// GetOrCreateStream returns the Stream stored at key, creating an
// empty one if the key is absent or expired. Returns ok=false if key
// holds a live non-stream value.
func (s *Store) GetOrCreateStream(key string) (st *stream.Stream, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.data[key]
	if found && !e.expired(time.Now()) {
		if e.Kind != KindStream {
			return nil, false
		}
		return e.Stream, true
	}
	st = stream.New()
	s.data[key] = &Entry{Kind: KindStream, Stream: st, CreatedAt: time.Now()}
	return st, true
}

// GetStream returns the Stream at key without creating one. ok is
// false if the key is absent, expired, or not a stream.
func (s *Store) GetStream(key string) (st *stream.Stream, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.data[key]
	if !found || e.Kind != KindStream || e.expired(time.Now()) {
		return nil, false
	}
	return e.Stream, true
}

// Type reports the TYPE of key: "string", "stream", or "none".
func (s *Store) Type(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.data[key]
	if !found || e.expired(time.Now()) {
		return "none"
	}
	return e.Kind.String()
}

// Keys returns a snapshot of all live (non-expired) key names.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Delete removes key unconditionally. Returns true if it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.data[key]
	delete(s.data, key)
	return found
}

// LoadEntry installs a raw entry during RDB bootstrap (internal/rdb),
// bypassing the public Set* API since the loader already knows the
// exact created-at/expiry semantics from the file. Entries whose
// expiry has already passed are silently dropped by the caller before
// this is invoked.
func (s *Store) LoadEntry(key string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = e
}
