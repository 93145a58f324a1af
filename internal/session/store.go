package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/lifeline/internal/kv"
)

// DefaultKey is the kv key the session record is stored under.
const DefaultKey = "session.json"

// Store persists the current session across process restarts.
type Store interface {
	// Load returns ErrNoSession when nothing is stored.
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, sess Session) error
	Clear(ctx context.Context) error
}

// record is the persisted form of a session.
type record struct {
	Version   int       `json:"version"`
	Session   Session   `json:"session"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KVStore stores the session as a JSON record under a single key.
type KVStore struct {
	kv  kv.Store
	key string
}

// NewKVStore creates a credential store on top of a kv.Store.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store, key: DefaultKey}
}

func (s *KVStore) Load(ctx context.Context) (Session, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("failed to read session: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Session{}, fmt.Errorf("failed to parse session: %w", err)
	}

	if rec.Session.IsZero() {
		return Session{}, ErrNoSession
	}

	log.Debug().Time("updatedAt", rec.UpdatedAt).Msg("session loaded")

	return rec.Session, nil
}

func (s *KVStore) Save(ctx context.Context, sess Session) error {
	data, err := json.Marshal(record{
		Version:   1,
		Session:   sess,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *KVStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// MemoryStore implements Store in memory.
// This implementation is for testing only - data is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
	saves   int
	clears  int
	err     error
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return Session{}, s.err
	}
	if s.session == nil {
		return Session{}, ErrNoSession
	}
	return *s.session, nil
}

func (s *MemoryStore) Save(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.session = &sess
	s.saves++
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.session = nil
	s.clears++
	return nil
}

// SetErr makes every subsequent operation fail with err. Nil restores normal
// behaviour.
func (s *MemoryStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Counts returns how many saves and clears have succeeded.
func (s *MemoryStore) Counts() (saves, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.clears
}
