// Package memory keeps the message document in process memory. It backs
// mem:// stores used by tests and throwaway local runs.
package memory

import (
	"context"
	"sync"

	"pkt.systems/postbox/internal/storage"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu     sync.RWMutex
	data   []byte
	exists bool
	reads  int
	writes int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{}
}

// NewWithDocument returns a store pre-populated with data.
func NewWithDocument(data []byte) *Store {
	return &Store{data: append([]byte(nil), data...), exists: true}
}

// ReadDocument returns a copy of the stored document.
func (s *Store) ReadDocument(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if !s.exists {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// WriteDocument replaces the stored document.
func (s *Store) WriteDocument(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.data = append(s.data[:0:0], data...)
	s.exists = true
	return nil
}

// Remove drops the document so later reads report storage.ErrNotFound.
func (s *Store) Remove() {
	s.mu.Lock()
	s.data = nil
	s.exists = false
	s.mu.Unlock()
}

// Stats returns the number of reads and writes served so far.
func (s *Store) Stats() (reads, writes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads, s.writes
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "mem://" }

// Close is a no-op.
func (s *Store) Close() error { return nil }
