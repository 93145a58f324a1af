// Package records persists keyed JSON documents for the persist action.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidRecord = errors.New("invalid record")
)

// Record is one document identified by collection and key.
type Record struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at,omitzero"`
}

// Validate checks that the record can be stored.
func (r Record) Validate() error {
	if r.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidRecord)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidRecord)
	}
	if len(r.Data) == 0 || !json.Valid(r.Data) {
		return fmt.Errorf("%w: data must be valid JSON", ErrInvalidRecord)
	}
	return nil
}

// Store upserts records by collection and key. Writing the same record twice
// leaves one copy.
type Store interface {
	Upsert(ctx context.Context, r Record) error
	Get(ctx context.Context, collection, key string) (Record, error)
}

// MemoryStore implements Store in memory.
// This implementation is for testing only - data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	writes  int
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func memoryKey(collection, key string) string {
	return collection + "\x00" + key
}

func (s *MemoryStore) Upsert(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.Data = append(json.RawMessage(nil), r.Data...)
	r.UpdatedAt = time.Now().UTC()
	s.records[memoryKey(r.Collection, r.Key)] = r
	s.writes++
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[memoryKey(collection, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	r.Data = append(json.RawMessage(nil), r.Data...)
	return r, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
