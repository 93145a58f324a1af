// Package queue holds actions that could not run while the device was offline
// and replays them in order once connectivity returns.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors
var (
	// ErrInvalidAction is returned by Enqueue for actions without a kind or
	// with an ID that is already queued.
	ErrInvalidAction = errors.New("invalid action")

	// ErrNoHandler is recorded against actions whose kind has no registered
	// handler. The action stays queued.
	ErrNoHandler = errors.New("no handler registered for action kind")

	// ErrDrainInProgress is returned by Drain when another drain is running.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrCorrupt is returned when the persisted queue cannot be decoded.
	ErrCorrupt = errors.New("queue data corrupt")
)

// Kind identifies the handler an action is dispatched to.
type Kind string

const (
	KindUploadAsset   Kind = "upload_asset"
	KindPersistRecord Kind = "persist_record"
)

// Action is one deferred unit of work. The zero Action is not valid.
type Action struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewAction builds an action with a time-ordered ID. payload is marshalled to
// JSON unless it already is a json.RawMessage.
func NewAction(kind Kind, payload any) (Action, error) {
	if kind == "" {
		return Action{}, fmt.Errorf("%w: empty kind", ErrInvalidAction)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Action{}, fmt.Errorf("failed to generate action id: %w", err)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		raw, err = json.Marshal(p)
		if err != nil {
			return Action{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	if raw != nil && !json.Valid(raw) {
		return Action{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
	}

	return Action{
		ID:         id,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
