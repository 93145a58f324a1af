package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/lifeline/internal/connectivity"
	"github.com/wolfeidau/lifeline/internal/kv"
)

// recordingHandler records payload names in call order and fails those listed
// in fail.
type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

type namePayload struct {
	Name string `json:"name"`
}

func (h *recordingHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p namePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, p.Name)
	if h.fail[p.Name] {
		return errors.New("upstream unavailable")
	}
	return nil
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) SetFail(name string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail == nil {
		h.fail = make(map[string]bool)
	}
	h.fail[name] = fail
}

func named(t *testing.T, name string) Action {
	t.Helper()
	a, err := NewAction(KindPersistRecord, namePayload{Name: name})
	require.NoError(t, err)
	return a
}

func names(t *testing.T, actions []Action) []string {
	t.Helper()
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		var p namePayload
		require.NoError(t, json.Unmarshal(a.Payload, &p))
		out = append(out, p.Name)
	}
	return out
}

func enqueueAll(t *testing.T, q *Queue, list ...string) {
	t.Helper()
	for _, name := range list {
		require.NoError(t, q.Enqueue(context.Background(), named(t, name)))
	}
}

func pending(t *testing.T, q *Queue) []Action {
	t.Helper()
	actions, err := q.Pending(context.Background())
	require.NoError(t, err)
	return actions
}

func TestNewAction(t *testing.T) {
	a, err := NewAction(KindUploadAsset, map[string]string{"path": "a.png"})
	require.NoError(t, err)
	assert.Equal(t, KindUploadAsset, a.Kind)
	assert.Equal(t, 7, int(a.ID.Version()))
	assert.JSONEq(t, `{"path":"a.png"}`, string(a.Payload))
	assert.False(t, a.EnqueuedAt.IsZero())

	raw, err := NewAction(KindPersistRecord, json.RawMessage(`{"k":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(raw.Payload))

	_, err = NewAction("", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = NewAction(KindPersistRecord, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestQueue_Enqueue(t *testing.T) {
	t.Run("appends in order and persists immediately", func(t *testing.T) {
		store := NewMemoryStore()
		q := New(store)

		enqueueAll(t, q, "a", "b", "c")

		persisted, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names(t, persisted))
		assert.Equal(t, 3, store.Saves())
	})

	t.Run("fills in id and timestamp", func(t *testing.T) {
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		q := New(NewMemoryStore(), WithClock(func() time.Time { return now }))

		require.NoError(t, q.Enqueue(context.Background(), Action{Kind: KindPersistRecord}))

		actions := pending(t, q)
		require.Len(t, actions, 1)
		assert.NotEqual(t, uuid.Nil, actions[0].ID)
		assert.Equal(t, now, actions[0].EnqueuedAt)
	})

	t.Run("rejects an action without a kind", func(t *testing.T) {
		q := New(NewMemoryStore())
		err := q.Enqueue(context.Background(), Action{})
		assert.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("rejects an id that is already queued", func(t *testing.T) {
		store := NewMemoryStore()
		q := New(store)

		a := named(t, "a")
		require.NoError(t, q.Enqueue(context.Background(), a))

		dup := named(t, "b")
		dup.ID = a.ID
		err := q.Enqueue(context.Background(), dup)
		require.ErrorIs(t, err, ErrInvalidAction)

		assert.Equal(t, []string{"a"}, names(t, pending(t, q)))
		assert.Equal(t, 1, store.Saves())

		// Outcomes stay with their own action on write-back.
		h := &recordingHandler{}
		h.SetFail("a", true)
		q.Register(KindPersistRecord, h)
		enqueueAll(t, q, "c")

		_, err = q.Drain(context.Background())
		require.NoError(t, err)
		remaining := pending(t, q)
		assert.Equal(t, []string{"a"}, names(t, remaining))
		assert.Equal(t, a.ID, remaining[0].ID)
		assert.Equal(t, 1, remaining[0].Attempts)
	})

	t.Run("storage failure keeps the action in memory", func(t *testing.T) {
		store := NewMemoryStore()
		q := New(store)
		enqueueAll(t, q, "a")

		store.SetErr(errors.New("disk full"))
		err := q.Enqueue(context.Background(), named(t, "b"))
		require.Error(t, err)

		actions, err := q.Pending(context.Background())
		require.Error(t, err)
		assert.Equal(t, []string{"a", "b"}, names(t, actions))

		store.SetErr(nil)
		enqueueAll(t, q, "c")
		persisted, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names(t, persisted))
	})
}

func TestQueue_Drain(t *testing.T) {
	t.Run("failed action keeps its place and new actions follow it", func(t *testing.T) {
		store := NewMemoryStore()
		q := New(store)
		h := &recordingHandler{}
		h.SetFail("b", true)
		q.Register(KindPersistRecord, h)

		enqueueAll(t, q, "a", "b", "c")

		stats, err := q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DrainStats{Attempted: 3, Succeeded: 2, Failed: 1, Remaining: 1, Duration: stats.Duration}, stats)
		assert.Equal(t, []string{"a", "b", "c"}, h.Calls())

		actions := pending(t, q)
		assert.Equal(t, []string{"b"}, names(t, actions))
		assert.Equal(t, 1, actions[0].Attempts)
		assert.Equal(t, "upstream unavailable", actions[0].LastError)

		enqueueAll(t, q, "d")
		assert.Equal(t, []string{"b", "d"}, names(t, pending(t, q)))

		h.SetFail("b", false)
		stats, err = q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Remaining)
		assert.Equal(t, []string{"a", "b", "c", "b", "d"}, h.Calls())
		assert.Empty(t, pending(t, q))
	})

	t.Run("empty queue drains without writing", func(t *testing.T) {
		store := NewMemoryStore()
		q := New(store)

		stats, err := q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DrainStats{}, stats)
		assert.Equal(t, 0, store.Saves())
	})

	t.Run("action without a handler stays queued", func(t *testing.T) {
		q := New(NewMemoryStore())
		a, err := NewAction(KindUploadAsset, nil)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(context.Background(), a))

		stats, err := q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)

		actions := pending(t, q)
		require.Len(t, actions, 1)
		assert.Contains(t, actions[0].LastError, ErrNoHandler.Error())
	})

	t.Run("panicking handler counts as a failure", func(t *testing.T) {
		q := New(NewMemoryStore())
		q.Register(KindPersistRecord, HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
			panic("boom")
		}))
		enqueueAll(t, q, "a")

		stats, err := q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		assert.Contains(t, pending(t, q)[0].LastError, "boom")
	})

	t.Run("actions enqueued during a drain are preserved", func(t *testing.T) {
		store := NewMemoryStore()
		q := New(store)

		started := make(chan struct{})
		release := make(chan struct{})
		q.Register(KindPersistRecord, HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
			var p namePayload
			_ = json.Unmarshal(payload, &p)
			if p.Name == "a" {
				close(started)
				<-release
			}
			return nil
		}))

		enqueueAll(t, q, "a", "b")

		done := make(chan DrainStats, 1)
		go func() {
			stats, _ := q.Drain(context.Background())
			done <- stats
		}()

		<-started
		enqueueAll(t, q, "c")
		close(release)

		stats := <-done
		assert.Equal(t, 2, stats.Succeeded)
		assert.Equal(t, 1, stats.Remaining)

		persisted, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, names(t, persisted))
	})

	t.Run("concurrent drain is rejected", func(t *testing.T) {
		q := New(NewMemoryStore())

		started := make(chan struct{})
		release := make(chan struct{})
		q.Register(KindPersistRecord, HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
			close(started)
			<-release
			return nil
		}))
		enqueueAll(t, q, "a")

		done := make(chan error, 1)
		go func() {
			_, err := q.Drain(context.Background())
			done <- err
		}()
		<-started

		_, err := q.Drain(context.Background())
		assert.ErrorIs(t, err, ErrDrainInProgress)

		close(release)
		require.NoError(t, <-done)
		assert.Empty(t, pending(t, q))
	})

	t.Run("cancellation stops dispatching and keeps the rest", func(t *testing.T) {
		q := New(NewMemoryStore())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h := &recordingHandler{}
		q.Register(KindPersistRecord, HandlerFunc(func(hctx context.Context, payload json.RawMessage) error {
			cancel()
			return h.Handle(hctx, payload)
		}))
		enqueueAll(t, q, "a", "b", "c")

		stats, err := q.Drain(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, stats.Attempted)
		assert.Equal(t, []string{"a"}, h.Calls())

		actions := pending(t, q)
		assert.Equal(t, []string{"b", "c"}, names(t, actions))
		assert.Equal(t, 0, actions[0].Attempts)
	})

	t.Run("queue survives a restart", func(t *testing.T) {
		dir := t.TempDir()
		fs, err := kv.NewFileStore(dir)
		require.NoError(t, err)

		first := New(NewKVStore(fs))
		enqueueAll(t, first, "a", "b")

		fs2, err := kv.NewFileStore(dir)
		require.NoError(t, err)
		second := New(NewKVStore(fs2))
		h := &recordingHandler{}
		second.Register(KindPersistRecord, h)

		assert.Equal(t, []string{"a", "b"}, names(t, pending(t, second)))

		_, err = second.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, h.Calls())

		_, err = fs2.Get(context.Background(), DefaultKey)
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})
}

func TestQueue_Run(t *testing.T) {
	q := New(NewMemoryStore())
	h := &recordingHandler{}
	h.SetFail("a", true)
	q.Register(KindPersistRecord, h)
	enqueueAll(t, q, "a")

	monitor := connectivity.NewManual(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, monitor) }()

	// Drains once on start even while offline.
	require.Eventually(t, func() bool { return len(h.Calls()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, pending(t, q), 1)

	h.SetFail("a", false)
	monitor.Set(true)

	require.Eventually(t, func() bool {
		actions, _ := q.Pending(context.Background())
		return len(actions) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Enqueue while online drains without a transition.
	enqueueAll(t, q, "b")
	require.Eventually(t, func() bool {
		actions, _ := q.Pending(context.Background())
		return len(actions) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
