// Package storage provides the durable keyed document stores backing the
// plugin registry and the endpoint-number ledger. Each store is one JSON file
// of key to document, written atomically on every mutation.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Backend abstracts the durable medium so tests can inject write failures.
type Backend interface {
	Load() (map[string]json.RawMessage, error)
	Save(docs map[string]json.RawMessage) error
}

// Store is an append/overwrite keyed document store. Reads may be concurrent;
// writes are serialized.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	docs    map[string]json.RawMessage
}

// Open creates a store over the given backend, loading existing documents.
func Open(backend Backend) (*Store, error) {
	docs, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	if docs == nil {
		docs = make(map[string]json.RawMessage)
	}
	return &Store{backend: backend, docs: docs}, nil
}

// OpenFile opens a store backed by a JSON file, creating parent directories
// as needed.
func OpenFile(path string) (*Store, error) {
	return Open(&fileBackend{path: path})
}

// Get unmarshals the document for key into v. The second return reports
// whether the key exists.
func (s *Store) Get(key string, v interface{}) (bool, error) {
	s.mu.RLock()
	raw, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Put stores v under key and writes the store durably before returning.
func (s *Store) Put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.docs[key]
	s.docs[key] = raw
	if err := s.backend.Save(s.docs); err != nil {
		if had {
			s.docs[key] = prev
		} else {
			delete(s.docs, key)
		}
		return fmt.Errorf("persist %q: %w", key, err)
	}
	return nil
}

// Delete removes key and writes the store durably. Deleting a missing key is
// a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.docs[key]
	if !had {
		return nil
	}
	delete(s.docs, key)
	if err := s.backend.Save(s.docs); err != nil {
		s.docs[key] = prev
		return fmt.Errorf("persist delete %q: %w", key, err)
	}
	return nil
}

// DeleteAll removes every document, used for factory reset.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.docs
	s.docs = make(map[string]json.RawMessage)
	if err := s.backend.Save(s.docs); err != nil {
		s.docs = prev
		return fmt.Errorf("persist reset: %w", err)
	}
	return nil
}

// Keys returns all stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for k := range s.docs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fileBackend persists the document map as one JSON file, using a temp file
// plus rename so a crashed write never truncates existing state.
type fileBackend struct {
	path string
}

func (b *fileBackend) Load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, err
	}
	docs := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return docs, nil
	}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.path, err)
	}
	return docs, nil
}

func (b *fileBackend) Save(docs map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// MemBackend is an in-memory backend for tests. FailWrites makes every Save
// return an error, simulating a persistence outage.
type MemBackend struct {
	mu         sync.Mutex
	docs       map[string]json.RawMessage
	FailWrites bool
	SaveCount  int
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{docs: make(map[string]json.RawMessage)}
}

// Load returns a copy of the stored documents.
func (b *MemBackend) Load() (map[string]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.docs))
	for k, v := range b.docs {
		out[k] = v
	}
	return out, nil
}

// Save stores a copy of docs, or fails when FailWrites is set.
func (b *MemBackend) Save(docs map[string]json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SaveCount++
	if b.FailWrites {
		return fmt.Errorf("simulated write failure")
	}
	b.docs = make(map[string]json.RawMessage, len(docs))
	for k, v := range docs {
		b.docs[k] = v
	}
	return nil
}
