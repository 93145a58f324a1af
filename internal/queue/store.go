package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/minio/crc64nvme"

	"github.com/wolfeidau/lifeline/internal/kv"
)

// DefaultKey is the kv key the queue is stored under.
const DefaultKey = "queue.bin"

const (
	// Queue blob format constants
	queueMagic   = "LLQUEUE1"
	queueVersion = uint32(1)
	headerSize   = 16 // 8 bytes magic + 4 bytes version + 4 bytes record count

	// Per record: 4 bytes payload length + 8 bytes CRC64
	recordHeaderSize = 12
	maxRecordSize    = 16 << 20
)

// Store persists the ordered sequence of pending actions.
type Store interface {
	// Load returns the persisted sequence, empty when nothing is stored.
	Load(ctx context.Context) ([]Action, error)
	// Save replaces the whole sequence atomically.
	Save(ctx context.Context, actions []Action) error
}

// KVStore keeps the whole sequence as one framed blob under a single key, so
// a replace is as atomic as the underlying kv.Store Put.
type KVStore struct {
	kv  kv.Store
	key string
}

// NewKVStore creates an action queue store on top of a kv.Store.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store, key: DefaultKey}
}

func (s *KVStore) Load(ctx context.Context) ([]Action, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	return decodeActions(data)
}

func (s *KVStore) Save(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		return nil
	}

	data, err := encodeActions(actions)
	if err != nil {
		return err
	}

	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}

// encodeActions builds the queue blob.
//
// Format:
// - Magic (8 bytes) "LLQUEUE1"
// - Version (4 bytes, uint32)
// - Count (4 bytes, uint32) - number of records that follow
// - Records, each:
//   - Length (4 bytes, uint32) - length of the JSON payload
//   - CRC64 (8 bytes, uint64) - CRC64-NVME of the JSON payload
//   - Payload (variable) - JSON-encoded Action
func encodeActions(actions []Action) ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.WriteString(queueMagic)
	// binary.Write to bytes.Buffer never errors, so we can safely ignore
	_ = binary.Write(buf, binary.LittleEndian, queueVersion)
	//nolint:gosec // queue length is bounded well below uint32
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(actions)))

	for i := range actions {
		payload, err := json.Marshal(&actions[i])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal action %s: %w", actions[i].ID, err)
		}
		if len(payload) > maxRecordSize {
			return nil, fmt.Errorf("action %s too large: %d bytes", actions[i].ID, len(payload))
		}

		//nolint:gosec // bounded by maxRecordSize
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
		_ = binary.Write(buf, binary.LittleEndian, computeCRC64(payload))
		buf.Write(payload)
	}

	return buf.Bytes(), nil
}

func decodeActions(data []byte) ([]Action, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(data))
	}
	if string(data[0:8]) != queueMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if version := binary.LittleEndian.Uint32(data[8:12]); version != queueVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	count := int(binary.LittleEndian.Uint32(data[12:16]))

	actions := make([]Action, 0, min(count, 1024))
	offset := headerSize
	for i := range count {
		if len(data)-offset < recordHeaderSize {
			return nil, fmt.Errorf("%w: record %d truncated", ErrCorrupt, i)
		}

		length := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		storedCRC := binary.LittleEndian.Uint64(data[offset+4 : offset+12])
		offset += recordHeaderSize

		if length > maxRecordSize || len(data)-offset < length {
			return nil, fmt.Errorf("%w: record %d has invalid length %d", ErrCorrupt, i, length)
		}

		payload := data[offset : offset+length]
		offset += length

		if computed := computeCRC64(payload); computed != storedCRC {
			return nil, fmt.Errorf("%w: record %d CRC mismatch (stored=%x, computed=%x)", ErrCorrupt, i, storedCRC, computed)
		}

		var a Action
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrCorrupt, i, err)
		}
		actions = append(actions, a)
	}

	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-offset)
	}

	return actions, nil
}

func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// MemoryStore implements Store in memory.
// This implementation is for testing only - data is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	actions []Action
	saves   int
	err     error
}

// NewMemoryStore creates an empty in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.actions), nil
}

func (s *MemoryStore) Save(ctx context.Context, actions []Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.actions = slices.Clone(actions)
	s.saves++
	return nil
}

// SetErr makes every subsequent operation fail with err. Nil restores normal
// behaviour.
func (s *MemoryStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Saves returns how many times the sequence has been written.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
