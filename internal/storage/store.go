// Package storage holds the key-value state a demo node serves through the
// kv.* actions.
package storage

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Error is a store failure. Status is what the kv.* actions answer with.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrKeyNotFound     = &Error{Status: http.StatusNotFound, Message: "key not found"}
	ErrEmptyKey        = &Error{Status: http.StatusBadRequest, Message: "key cannot be empty"}
	ErrNilValue        = &Error{Status: http.StatusBadRequest, Message: "value cannot be nil"}
	ErrVersionConflict = &Error{Status: http.StatusConflict, Message: "version conflict"}
)

// Entry is the stored state of one key. Version is 1 after the first put and
// grows by one with every put of the key.
type Entry struct {
	Value       []byte
	ContentType string
	Version     uint64
	Modified    time.Time
}

// Store is the state behind the kv.* actions. An ifVersion of zero makes a
// write unconditional; otherwise the key must be at that version.
type Store interface {
	Get(key string) (Entry, error)
	Put(key string, value []byte, contentType string, ifVersion uint64) (Entry, error)
	Delete(key string, ifVersion uint64) (Entry, error)
	Keys() []string
}

// MemoryStore keeps entries in memory. Values are copied in and out.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewStore creates an empty MemoryStore stamped by the wall clock
func NewStore() *MemoryStore {
	return NewStoreWithClock(clock.New())
}

// NewStoreWithClock creates an empty MemoryStore stamped by clk
func NewStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clk,
		entries: make(map[string]Entry),
	}
}

func (s *MemoryStore) Get(key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Put(key string, value []byte, contentType string, ifVersion uint64) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	if value == nil {
		return Entry{}, ErrNilValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.entries[key]
	if err := checkVersion(key, prev.Version, ifVersion); err != nil {
		return Entry{}, err
	}

	e := Entry{
		Value:       append([]byte{}, value...),
		ContentType: contentType,
		Version:     prev.Version + 1,
		Modified:    s.clock.Now(),
	}
	s.entries[key] = e
	return e.clone(), nil
}

// Delete removes key and returns the entry it held
func (s *MemoryStore) Delete(key string, ifVersion uint64) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	if err := checkVersion(key, e.Version, ifVersion); err != nil {
		return Entry{}, err
	}
	delete(s.entries, key)
	return e, nil
}

// Keys returns the stored keys in order
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func checkVersion(key string, current, want uint64) error {
	if want == 0 || want == current {
		return nil
	}
	return fmt.Errorf("key %q is at version %d, not %d: %w", key, current, want, ErrVersionConflict)
}

func (e Entry) clone() Entry {
	e.Value = append([]byte{}, e.Value...)
	return e
}
