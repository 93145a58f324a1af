package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/lifeline/internal/connectivity"
	"github.com/wolfeidau/lifeline/internal/telemetry"
)

// Handler performs one kind of action.
//
// A handler that fails leaves its action queued for the next drain, and a
// handler may be called again for an action it already completed if the
// process stops before the queue is written back. Handlers must therefore be
// idempotent.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// DrainStats summarises one drain.
type DrainStats struct {
	Attempted int
	Succeeded int
	Failed    int
	Remaining int
	Duration  time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is a durable FIFO of actions. Every change is written through to the
// Store; failed actions keep their position.
type Queue struct {
	store   Store
	now     func() time.Time
	metrics *telemetry.Metrics

	hmu      sync.RWMutex
	handlers map[Kind]Handler

	// mu serialises read-modify-write of the persisted sequence. cache holds
	// the last sequence seen so storage failures do not lose actions; dirty
	// means cache has not been written yet.
	mu    sync.Mutex
	cache []Action
	dirty bool

	drainMu   sync.Mutex
	triggerCh chan struct{}
}

// New creates a queue backed by store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		now:       time.Now,
		metrics:   telemetry.GetMetrics(),
		handlers:  make(map[Kind]Handler),
		triggerCh: make(chan struct{}, 1), // Buffered so trigger doesn't block
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register sets the handler for kind, replacing any previous one.
func (q *Queue) Register(kind Kind, h Handler) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	q.handlers[kind] = h
}

// Enqueue appends a to the tail of the queue and persists it. The action is
// kept in memory even when persisting fails; the error is informational.
// An action whose ID is already queued is rejected with ErrInvalidAction.
func (q *Queue) Enqueue(ctx context.Context, a Action) error {
	if a.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidAction)
	}
	if a.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate action id: %w", err)
		}
		a.ID = id
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = q.now().UTC()
	}

	q.mu.Lock()
	actions, _ := q.loadLocked(ctx)
	if slices.ContainsFunc(actions, func(queued Action) bool { return queued.ID == a.ID }) {
		q.mu.Unlock()
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidAction, a.ID)
	}
	actions = append(actions, a)
	err := q.saveLocked(ctx, actions)
	depth := len(actions)
	q.mu.Unlock()

	kindAttr := metric.WithAttributes(attribute.String("kind", string(a.Kind)))
	if err != nil {
		q.metrics.QueueEnqueueErrorsTotal.Add(ctx, 1, kindAttr)
		log.Warn().Err(err).Str("action_id", a.ID.String()).Msg("Failed to persist enqueued action, keeping it in memory")
	}
	q.metrics.QueueEnqueuedTotal.Add(ctx, 1, kindAttr)

	log.Debug().
		Str("action_id", a.ID.String()).
		Str("kind", string(a.Kind)).
		Int("depth", depth).
		Msg("action enqueued")

	q.Trigger()

	return err
}

// Pending returns the queued actions head first.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.loadLocked(ctx)
	return actions, err
}

// Drain dispatches every queued action once, in order. Successful actions are
// removed and failed ones stay where they were. Actions enqueued while the
// drain runs are kept after the drained ones. Only one drain runs at a time;
// a concurrent call returns ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context) (DrainStats, error) {
	if !q.drainMu.TryLock() {
		return DrainStats{}, ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	started := time.Now()
	var stats DrainStats

	q.mu.Lock()
	snapshot, _ := q.loadLocked(ctx)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return stats, nil
	}

	log.Debug().Int("count", len(snapshot)).Msg("Draining action queue")

	outcomes := make(map[uuid.UUID]error, len(snapshot))
	for _, a := range snapshot {
		if ctx.Err() != nil {
			break
		}

		err := q.dispatch(ctx, a)
		outcomes[a.ID] = err
		stats.Attempted++

		result := "success"
		if err != nil {
			result = "failure"
			stats.Failed++
			log.Warn().Err(err).
				Str("action_id", a.ID.String()).
				Str("kind", string(a.Kind)).
				Int("attempts", a.Attempts+1).
				Msg("Action failed, keeping it queued")
		} else {
			stats.Succeeded++
		}
		q.metrics.QueueActionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(a.Kind)),
			attribute.String("result", result),
		))
	}

	// Write back even when ctx is done so completed actions are not replayed.
	writeCtx := context.WithoutCancel(ctx)

	q.mu.Lock()
	current, _ := q.loadLocked(writeCtx)
	merged := mergeOutcomes(current, outcomes)
	saveErr := q.saveLocked(writeCtx, merged)
	q.mu.Unlock()

	stats.Remaining = len(merged)
	stats.Duration = time.Since(started)
	q.metrics.QueueDrainDuration.Record(writeCtx, float64(stats.Duration.Milliseconds()))

	log.Info().
		Int("attempted", stats.Attempted).
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("remaining", stats.Remaining).
		Dur("duration", stats.Duration).
		Msg("Queue drained")

	if saveErr != nil {
		log.Warn().Err(saveErr).Msg("Failed to persist queue after drain")
		return stats, saveErr
	}
	return stats, ctx.Err()
}

// mergeOutcomes applies drain results to the current sequence: succeeded
// actions are dropped, failed ones are annotated in place and anything not
// dispatched is kept untouched.
func mergeOutcomes(current []Action, outcomes map[uuid.UUID]error) []Action {
	merged := make([]Action, 0, len(current))
	for _, a := range current {
		err, dispatched := outcomes[a.ID]
		switch {
		case !dispatched:
			merged = append(merged, a)
		case err != nil:
			a.Attempts++
			a.LastError = err.Error()
			merged = append(merged, a)
		}
	}
	return merged
}

func (q *Queue) dispatch(ctx context.Context, a Action) (err error) {
	q.hmu.RLock()
	h, ok := q.handlers[a.Kind]
	q.hmu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, a.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return h.Handle(ctx, a.Payload)
}

// Trigger asks the run loop to drain without waiting for it.
func (q *Queue) Trigger() {
	select {
	case q.triggerCh <- struct{}{}:
		// Signal sent
	default:
		// Channel already has a pending signal, skip
	}
}

// Run drains on start and whenever monitor reports the network is back, until
// ctx is done. Triggers are coalesced and ignored while offline.
func (q *Queue) Run(ctx context.Context, monitor connectivity.Monitor) error {
	updates, unsubscribe := monitor.Subscribe()
	defer unsubscribe()

	// Unknown counts as offline until the monitor reports.
	online := false

	log.Debug().Msg("Queue run loop started")

	q.drainOnce(ctx)
	for {
		select {
		case up, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if up && !online {
				log.Info().Msg("Connectivity restored, draining queue")
				q.Trigger()
			}
			online = up

		case <-q.triggerCh:
			if !online {
				log.Debug().Msg("Offline, deferring drain")
				continue
			}
			q.drainOnce(ctx)

		case <-ctx.Done():
			log.Debug().Msg("Queue run loop stopped")
			return nil
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	_, err := q.Drain(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrDrainInProgress):
		log.Debug().Msg("Drain already in progress")
	default:
		log.Warn().Err(err).Msg("Queue drain failed")
	}
}

// loadLocked reads the persisted sequence, falling back to the last known
// sequence when the store fails. Unwritten changes are retried first.
func (q *Queue) loadLocked(ctx context.Context) ([]Action, error) {
	if q.dirty {
		err := q.saveLocked(ctx, q.cache)
		return slices.Clone(q.cache), err
	}

	actions, err := q.store.Load(ctx)
	if err != nil {
		q.metrics.QueueStorageErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "load")))
		log.Warn().Err(err).Int("cached", len(q.cache)).Msg("Failed to load queue, using last known state")
		return slices.Clone(q.cache), err
	}
	q.cache = slices.Clone(actions)
	return actions, nil
}

func (q *Queue) saveLocked(ctx context.Context, actions []Action) error {
	q.cache = slices.Clone(actions)
	if err := q.store.Save(ctx, actions); err != nil {
		q.dirty = true
		q.metrics.QueueStorageErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "save")))
		return fmt.Errorf("failed to save queue: %w", err)
	}
	q.dirty = false
	return nil
}
