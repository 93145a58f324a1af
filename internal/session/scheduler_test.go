package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeRefresher is a scripted identity provider. When gate is set every call
// blocks until it is closed.
type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	seen  []string
	gate  chan struct{}
	next  func(n int) (Session, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.seen = append(f.seen, refreshToken)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return f.next(n)
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func makeToken(t *testing.T, iat, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func freshSession(t *testing.T, refreshToken string) Session {
	t.Helper()
	now := time.Now()
	return Session{AccessToken: makeToken(t, now, now.Add(time.Hour)), RefreshToken: refreshToken}
}

func expiredSession(t *testing.T) Session {
	t.Helper()
	now := time.Now()
	return Session{AccessToken: makeToken(t, now.Add(-2*time.Hour), now.Add(-time.Hour)), RefreshToken: "rt-expired"}
}

func succeeding(t *testing.T) *fakeRefresher {
	return &fakeRefresher{next: func(n int) (Session, error) {
		return freshSession(t, "rt-refreshed"), nil
	}}
}

func TestScheduler_SetSession(t *testing.T) {
	t.Run("valid session arms one timer and needs no refresh", func(t *testing.T) {
		store := NewMemoryStore()
		refresher := succeeding(t)
		s := NewScheduler(store, refresher)
		defer s.Stop()

		sess := freshSession(t, "rt-1")
		require.NoError(t, s.SetSession(context.Background(), sess))

		assert.Equal(t, StateValid, s.State())
		assert.Equal(t, 1, s.pendingTimers())

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 0, refresher.Calls())

		stored, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, sess, stored)

		next, ok := s.NextRefresh()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(55*time.Minute), next, 5*time.Second)
	})

	t.Run("expired session arms no timer", func(t *testing.T) {
		s := NewScheduler(NewMemoryStore(), succeeding(t))
		require.NoError(t, s.SetSession(context.Background(), expiredSession(t)))

		assert.Equal(t, StateExpired, s.State())
		assert.Equal(t, 0, s.pendingTimers())
	})

	t.Run("malformed token is treated as expired", func(t *testing.T) {
		s := NewScheduler(NewMemoryStore(), succeeding(t))
		require.NoError(t, s.SetSession(context.Background(), Session{AccessToken: "not-a-token", RefreshToken: "rt"}))

		assert.Equal(t, StateExpired, s.State())
		_, ok := s.Claims()
		assert.False(t, ok)
	})

	t.Run("replacing a session cancels the prior timer", func(t *testing.T) {
		s := NewScheduler(NewMemoryStore(), succeeding(t))
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-1")))
		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-2")))

		assert.Equal(t, 1, s.pendingTimers())
		sess, ok := s.Session()
		require.True(t, ok)
		assert.Equal(t, "rt-2", sess.RefreshToken)
	})

	t.Run("zero session clears", func(t *testing.T) {
		store := NewMemoryStore()
		s := NewScheduler(store, succeeding(t))
		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-1")))

		require.NoError(t, s.SetSession(context.Background(), Session{}))

		assert.Equal(t, StateLoggedOut, s.State())
		assert.Equal(t, 0, s.pendingTimers())
		_, err := store.Load(context.Background())
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("storage failure keeps the session in memory", func(t *testing.T) {
		store := NewMemoryStore()
		store.SetErr(errors.New("disk full"))
		s := NewScheduler(store, succeeding(t))
		defer s.Stop()

		err := s.SetSession(context.Background(), freshSession(t, "rt-1"))
		require.Error(t, err)

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
	})
}

func TestScheduler_IsValid(t *testing.T) {
	t.Run("expired session refreshes exactly once", func(t *testing.T) {
		store := NewMemoryStore()
		refresher := succeeding(t)
		s := NewScheduler(store, refresher)
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), expiredSession(t)))

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 1, refresher.Calls())
		assert.Equal(t, []string{"rt-expired"}, refresher.seen)

		stored, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "rt-refreshed", stored.RefreshToken)
		assert.Equal(t, StateValid, s.State())
	})

	t.Run("session inside the skew refreshes before answering", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher, WithRefreshSkew(5*time.Minute))
		defer s.Stop()

		now := time.Now()
		sess := Session{AccessToken: makeToken(t, now.Add(-time.Hour), now.Add(30*time.Second)), RefreshToken: "rt-soon"}
		require.NoError(t, s.SetSession(context.Background(), sess))

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 1, refresher.Calls())

		current, _ := s.Session()
		assert.Equal(t, "rt-refreshed", current.RefreshToken)
	})

	t.Run("freshly issued token shorter-lived than the skew refreshes before answering", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher, WithRefreshSkew(5*time.Minute))
		defer s.Stop()

		now := time.Now()
		sess := Session{AccessToken: makeToken(t, now, now.Add(30*time.Second)), RefreshToken: "rt-short"}
		require.NoError(t, s.SetSession(context.Background(), sess))

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 1, refresher.Calls())
		assert.Equal(t, []string{"rt-short"}, refresher.seen)

		current, _ := s.Session()
		assert.Equal(t, "rt-refreshed", current.RefreshToken)
	})

	t.Run("clock decides when the skew is entered", func(t *testing.T) {
		base := time.Now().Truncate(time.Second)
		var offset atomic.Int64
		clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher, WithClock(clock), WithRefreshSkew(5*time.Minute))
		defer s.Stop()

		sess := Session{AccessToken: makeToken(t, base.Add(-time.Hour), base.Add(10*time.Minute)), RefreshToken: "rt"}
		require.NoError(t, s.SetSession(context.Background(), sess))

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 0, refresher.Calls())

		offset.Store(int64(6 * time.Minute))

		valid, err = s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 1, refresher.Calls())
	})

	t.Run("no session returns ErrNoSession without refreshing", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher)

		valid, err := s.IsValid(context.Background())
		assert.False(t, valid)
		assert.ErrorIs(t, err, ErrNoSession)
		assert.Equal(t, 0, refresher.Calls())
	})

	t.Run("concurrent callers share one refresh", func(t *testing.T) {
		gate := make(chan struct{})
		refresher := succeeding(t)
		refresher.gate = gate
		s := NewScheduler(NewMemoryStore(), refresher)
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), expiredSession(t)))

		var g errgroup.Group
		results := make([]bool, 20)
		for i := range results {
			g.Go(func() error {
				valid, err := s.IsValid(context.Background())
				results[i] = valid
				return err
			})
		}

		require.Eventually(t, func() bool { return refresher.Calls() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateRefreshing, s.State())
		close(gate)

		require.NoError(t, g.Wait())
		assert.Equal(t, 1, refresher.Calls())
		for _, valid := range results {
			assert.True(t, valid)
		}
	})

	t.Run("caller giving up does not cancel the refresh", func(t *testing.T) {
		gate := make(chan struct{})
		refresher := succeeding(t)
		refresher.gate = gate
		store := NewMemoryStore()
		s := NewScheduler(store, refresher)
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), expiredSession(t)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		valid, err := s.IsValid(ctx)
		assert.False(t, valid)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(gate)
		require.Eventually(t, func() bool { return s.State() == StateValid }, time.Second, 5*time.Millisecond)

		stored, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "rt-refreshed", stored.RefreshToken)
	})
}

func TestScheduler_RefreshFailure(t *testing.T) {
	store := NewMemoryStore()
	refresher := &fakeRefresher{next: func(n int) (Session, error) {
		return Session{}, errors.New("refresh token revoked")
	}}
	s := NewScheduler(store, refresher)

	var mu sync.Mutex
	var notified []*Session
	s.Subscribe(func(sess *Session) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, sess)
	})

	require.NoError(t, s.SetSession(context.Background(), expiredSession(t)))

	valid, err := s.IsValid(context.Background())
	assert.False(t, valid)
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.Contains(t, err.Error(), "refresh token revoked")

	assert.Equal(t, StateLoggedOut, s.State())
	assert.Equal(t, 0, s.pendingTimers())
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	saves, clears := store.Counts()
	assert.Equal(t, 1, saves)
	assert.Equal(t, 1, clears)

	mu.Lock()
	require.Len(t, notified, 2)
	assert.NotNil(t, notified[0])
	assert.Nil(t, notified[1])
	mu.Unlock()

	// Terminal until a new session is set; no retry.
	valid, err = s.IsValid(context.Background())
	assert.False(t, valid)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, refresher.Calls())
	_, clears = store.Counts()
	assert.Equal(t, 1, clears)

	require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-new")))
	assert.Equal(t, StateValid, s.State())
	s.Stop()
}

func TestScheduler_ForceRefresh(t *testing.T) {
	t.Run("refreshes a valid session and re-arms a single timer", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher)
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-1")))

		valid, err := s.ForceRefresh(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 1, refresher.Calls())
		assert.Equal(t, 1, s.pendingTimers())

		valid, err = s.ForceRefresh(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 2, refresher.Calls())
		assert.Equal(t, 1, s.pendingTimers())
	})

	t.Run("refreshed session that is already expired is reported", func(t *testing.T) {
		refresher := &fakeRefresher{next: func(n int) (Session, error) {
			return expiredSession(t), nil
		}}
		s := NewScheduler(NewMemoryStore(), refresher)
		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-1")))

		valid, err := s.ForceRefresh(context.Background())
		assert.False(t, valid)
		assert.ErrorIs(t, err, ErrRefreshedSessionExpired)
		assert.Equal(t, StateExpired, s.State())
		assert.Equal(t, 0, s.pendingTimers())
	})

	t.Run("empty session from provider fails the refresh", func(t *testing.T) {
		refresher := &fakeRefresher{next: func(n int) (Session, error) { return Session{}, nil }}
		s := NewScheduler(NewMemoryStore(), refresher)
		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-1")))

		valid, err := s.ForceRefresh(context.Background())
		assert.False(t, valid)
		assert.ErrorIs(t, err, ErrRefreshFailed)
		assert.ErrorIs(t, err, ErrEmptySession)
		assert.Equal(t, StateLoggedOut, s.State())
	})

	t.Run("session replaced during refresh discards the result", func(t *testing.T) {
		gate := make(chan struct{})
		refresher := succeeding(t)
		refresher.gate = gate
		store := NewMemoryStore()
		s := NewScheduler(store, refresher)
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-1")))

		errCh := make(chan error, 1)
		go func() {
			_, err := s.ForceRefresh(context.Background())
			errCh <- err
		}()
		require.Eventually(t, func() bool { return refresher.Calls() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, s.SetSession(context.Background(), freshSession(t, "rt-login")))
		close(gate)

		assert.ErrorIs(t, <-errCh, ErrSessionReplaced)

		current, _ := s.Session()
		assert.Equal(t, "rt-login", current.RefreshToken)
		stored, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "rt-login", stored.RefreshToken)
		assert.Equal(t, 1, s.pendingTimers())
	})
}

func TestScheduler_Timer(t *testing.T) {
	// Expiry has second precision, so the token expires 1-2s from now and the
	// 1.5s skew puts the timer at most 500ms out.
	shortSession := func(t *testing.T) Session {
		now := time.Now()
		return Session{
			AccessToken:  makeToken(t, now.Add(-time.Hour), time.Unix(now.Unix()+2, 0)),
			RefreshToken: "rt-short",
		}
	}

	t.Run("fires a proactive refresh before expiry", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher, WithRefreshSkew(1500*time.Millisecond))
		defer s.Stop()

		require.NoError(t, s.SetSession(context.Background(), shortSession(t)))

		require.Eventually(t, func() bool { return refresher.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return s.State() == StateValid }, time.Second, 10*time.Millisecond)

		current, _ := s.Session()
		assert.Equal(t, "rt-refreshed", current.RefreshToken)
		assert.Equal(t, 1, s.pendingTimers())
	})

	t.Run("fires at once when the token lifetime is shorter than the skew", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher, WithRefreshSkew(5*time.Minute))
		defer s.Stop()

		now := time.Now()
		sess := Session{AccessToken: makeToken(t, now, now.Add(30*time.Second)), RefreshToken: "rt-short"}
		require.NoError(t, s.SetSession(context.Background(), sess))

		require.Eventually(t, func() bool { return refresher.Calls() == 1 }, time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			current, _ := s.Session()
			return current.RefreshToken == "rt-refreshed"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("clear cancels the pending timer", func(t *testing.T) {
		refresher := succeeding(t)
		s := NewScheduler(NewMemoryStore(), refresher, WithRefreshSkew(1500*time.Millisecond))

		require.NoError(t, s.SetSession(context.Background(), shortSession(t)))
		require.Equal(t, 1, s.pendingTimers())

		require.NoError(t, s.Clear(context.Background()))
		assert.Equal(t, 0, s.pendingTimers())

		time.Sleep(2500 * time.Millisecond)
		assert.Equal(t, 0, refresher.Calls())
		assert.Equal(t, StateLoggedOut, s.State())
	})
}

func TestScheduler_Restore(t *testing.T) {
	t.Run("restores a persisted session after restart", func(t *testing.T) {
		store := NewMemoryStore()
		first := NewScheduler(store, succeeding(t))
		sess := freshSession(t, "rt-1")
		require.NoError(t, first.SetSession(context.Background(), sess))
		first.Stop()

		second := NewScheduler(store, succeeding(t))
		defer second.Stop()
		assert.Equal(t, StateUnknown, second.State())

		state, err := second.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateValid, state)
		assert.Equal(t, 1, second.pendingTimers())

		restored, ok := second.Session()
		require.True(t, ok)
		assert.Equal(t, sess, restored)
	})

	t.Run("restored expired session refreshes lazily", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Save(context.Background(), expiredSession(t)))

		refresher := succeeding(t)
		s := NewScheduler(store, refresher)
		defer s.Stop()

		state, err := s.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateExpired, state)
		assert.Equal(t, 0, refresher.Calls())

		valid, err := s.IsValid(context.Background())
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 1, refresher.Calls())
	})

	t.Run("nothing persisted logs out", func(t *testing.T) {
		s := NewScheduler(NewMemoryStore(), succeeding(t))

		state, err := s.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateLoggedOut, state)
	})

	t.Run("storage failure is returned and leaves the scheduler logged out", func(t *testing.T) {
		store := NewMemoryStore()
		store.SetErr(errors.New("io error"))
		s := NewScheduler(store, succeeding(t))

		state, err := s.Restore(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateLoggedOut, state)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "valid", StateValid.String())
	assert.Equal(t, "logged_out", StateLoggedOut.String())
	assert.Equal(t, "invalid", State(42).String())
}
