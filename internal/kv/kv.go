// Package kv is the persistent key-value store consumed by the
// platform core. Values are arbitrary bytes stored under 16-bit keys.
// Individual keys can be administratively disabled, in which case all
// access fails with ErrNotPermitted.
package kv

import (
	"bytes"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound     = errors.New("kv: key does not exist")
	ErrNotPermitted = errors.New("kv: key is not enabled")
)

// Callback receives value-changed notifications. data is nil when the
// key was deleted.
type Callback func(key uint16, data []byte)

// Store is an in-memory key-value store with change notification.
type Store struct {
	mu        sync.RWMutex
	values    map[uint16][]byte
	disabled  map[uint16]bool
	callbacks []Callback
	log       zerolog.Logger
}

func NewStore() *Store {
	return &Store{
		values:   make(map[uint16][]byte),
		disabled: make(map[uint16]bool),
		log:      log.With().Str("component", "kv").Logger(),
	}
}

// Disable marks a key as inaccessible.
func (s *Store) Disable(key uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[key] = true
}

// RegisterCallback adds a change listener. Callbacks run on the
// writer's goroutine and must not block.
func (s *Store) RegisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Read returns a copy of the value stored under key.
func (s *Store) Read(key uint16) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disabled[key] {
		return nil, ErrNotPermitted
	}
	val, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Write stores data under key. Returns the number of bytes written, or
// 0 when the stored value already matched.
func (s *Store) Write(key uint16, data []byte) (int, error) {
	s.mu.Lock()
	if s.disabled[key] {
		s.mu.Unlock()
		return 0, ErrNotPermitted
	}
	if prev, ok := s.values[key]; ok && bytes.Equal(prev, data) {
		s.mu.Unlock()
		return 0, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.values[key] = stored
	cbs := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	s.log.Debug().Uint16("key", key).Int("len", len(data)).Msg("write")
	for _, cb := range cbs {
		cb(key, stored)
	}
	return len(data), nil
}

// Delete removes key from the store.
func (s *Store) Delete(key uint16) error {
	s.mu.Lock()
	if s.disabled[key] {
		s.mu.Unlock()
		return ErrNotPermitted
	}
	if _, ok := s.values[key]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.values, key)
	cbs := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(key, nil)
	}
	return nil
}

// KeyExists reports whether the key currently holds a value.
func (s *Store) KeyExists(key uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Reset clears all values. Disabled flags are retained.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[uint16][]byte)
}
