package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/lifeline/internal/claims"
	"github.com/wolfeidau/lifeline/internal/telemetry"
)

// DefaultRefreshSkew is how long before expiry a session is renewed.
const DefaultRefreshSkew = 5 * time.Minute

// State is the lifecycle state of the held session.
type State int

const (
	StateUnknown State = iota
	StateValid
	StateExpired
	StateRefreshing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "invalid"
	}
}

// Observer is notified after every session change. A nil session means the
// session was cleared.
type Observer func(sess *Session)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRefreshSkew sets the lead time before expiry at which a refresh is due.
func WithRefreshSkew(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.skew = d
		}
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// pendingRefresh is the handle shared by every caller waiting on one
// in-flight refresh. valid and err are written before done is closed.
type pendingRefresh struct {
	done  chan struct{}
	valid bool
	err   error
}

// Scheduler owns the current session, arms a single proactive refresh timer
// and performs single-flight refreshes against the identity provider.
type Scheduler struct {
	store     Store
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	metrics   *telemetry.Metrics

	mu        sync.Mutex
	session   *Session
	claims    *claims.Claims
	state     State
	pending   *pendingRefresh
	timer     *time.Timer
	gen       uint64
	observers map[uint64]Observer
	nextObsID uint64
}

// NewScheduler creates a scheduler in the Unknown state. Call Restore to load
// a persisted session or SetSession after a fresh login.
func NewScheduler(store Store, refresher Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		refresher: refresher,
		skew:      DefaultRefreshSkew,
		now:       time.Now,
		metrics:   telemetry.GetMetrics(),
		state:     StateUnknown,
		observers: make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads the persisted session, if any, and arms the refresh timer.
// A missing session leaves the scheduler logged out.
func (s *Scheduler) Restore(ctx context.Context) (State, error) {
	sess, err := s.store.Load(ctx)

	s.mu.Lock()
	if err != nil {
		s.resetLocked()
		s.mu.Unlock()

		if errors.Is(err, ErrNoSession) {
			log.Debug().Msg("no persisted session")
			return StateLoggedOut, nil
		}
		log.Warn().Err(err).Msg("Failed to load persisted session")
		return StateLoggedOut, err
	}

	s.installLocked(sess)
	state := s.state
	s.mu.Unlock()

	log.Info().Str("state", state.String()).Msg("session restored")

	s.notify(&sess)
	return state, nil
}

// SetSession replaces the held session, persists it and re-arms the refresh
// timer. A zero session is treated as Clear. The in-memory session is
// updated even when persisting fails; the returned error is informational.
func (s *Scheduler) SetSession(ctx context.Context, sess Session) error {
	if sess.IsZero() {
		return s.Clear(ctx)
	}

	s.mu.Lock()
	s.installLocked(sess)
	state := s.state
	err := s.store.Save(ctx, sess)
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist session, keeping it in memory")
	}

	log.Info().Str("state", state.String()).Msg("session set")

	s.notify(&sess)
	return err
}

// Clear cancels any pending refresh timer, removes the persisted session and
// moves to LoggedOut.
func (s *Scheduler) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.resetLocked()
	err := s.store.Clear(ctx)
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Failed to clear persisted session")
	}

	s.metrics.SessionLogoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "clear")))
	log.Info().Msg("session cleared")

	s.notify(nil)
	return err
}

// IsValid reports whether the held session can be used, refreshing it first if
// it is expired or inside the refresh skew. Concurrent callers share a single
// in-flight refresh.
func (s *Scheduler) IsValid(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return false, ErrNoSession
	}
	if s.state == StateValid && !s.dueLocked() {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	valid, err := s.refresh(ctx, "validity_check")
	if errors.Is(err, ErrSessionReplaced) {
		return s.IsValid(ctx)
	}
	return valid, err
}

// ForceRefresh refreshes the held session regardless of its expiry.
func (s *Scheduler) ForceRefresh(ctx context.Context) (bool, error) {
	return s.refresh(ctx, "forced")
}

// Session returns a copy of the held session.
func (s *Scheduler) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// AccessToken returns the held access token after making sure it is usable.
func (s *Scheduler) AccessToken(ctx context.Context) (string, error) {
	valid, err := s.IsValid(ctx)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", ErrNoSession
	}

	sess, ok := s.Session()
	if !ok {
		return "", ErrNoSession
	}
	return sess.AccessToken, nil
}

// Claims returns the decoded claims of the held access token.
func (s *Scheduler) Claims() (*claims.Claims, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims == nil {
		return nil, false
	}
	c := *s.claims
	return &c, true
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextRefresh returns when the pending refresh timer fires.
func (s *Scheduler) NextRefresh() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil || s.claims == nil {
		return time.Time{}, false
	}
	return s.claims.ExpiryTime().Add(-s.skew), true
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Scheduler) Subscribe(obs Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Stop cancels the refresh timer without touching the persisted session.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
}

// refresh starts a refresh, or joins the one in flight, and waits for it.
func (s *Scheduler) refresh(ctx context.Context, trigger string) (bool, error) {
	s.mu.Lock()
	if p := s.pending; p != nil {
		s.mu.Unlock()
		log.Debug().Str("trigger", trigger).Msg("joining in-flight refresh")
		return await(ctx, p)
	}
	if s.session == nil {
		s.mu.Unlock()
		return false, ErrNoSession
	}

	p := s.beginLocked()
	gen := s.gen
	refreshToken := s.session.RefreshToken
	s.mu.Unlock()

	// The provider call outlives a caller that stops waiting.
	go s.runRefresh(context.WithoutCancel(ctx), p, gen, refreshToken, trigger)

	return await(ctx, p)
}

func await(ctx context.Context, p *pendingRefresh) (bool, error) {
	select {
	case <-p.done:
		return p.valid, p.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// beginLocked moves to Refreshing and publishes the in-flight handle.
func (s *Scheduler) beginLocked() *pendingRefresh {
	p := &pendingRefresh{done: make(chan struct{})}
	s.pending = p
	s.state = StateRefreshing
	s.cancelTimerLocked()
	return p
}

func (s *Scheduler) runRefresh(ctx context.Context, p *pendingRefresh, gen uint64, refreshToken, trigger string) {
	started := time.Now()
	next, err := s.refresher.Refresh(ctx, refreshToken)
	if err == nil && next.IsZero() {
		err = ErrEmptySession
	}
	s.metrics.SessionRefreshDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}

	if gen != s.gen {
		s.mu.Unlock()
		s.recordRefresh(ctx, trigger, "replaced")
		log.Debug().Str("trigger", trigger).Msg("discarding refresh result for replaced session")
		p.err = ErrSessionReplaced
		close(p.done)
		return
	}

	if err != nil {
		s.resetLocked()
		clearErr := s.store.Clear(ctx)
		s.mu.Unlock()

		if clearErr != nil {
			log.Warn().Err(clearErr).Msg("Failed to clear persisted session after refresh failure")
		}
		s.recordRefresh(ctx, trigger, "failure")
		s.metrics.SessionLogoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "refresh_failed")))
		log.Warn().Err(err).Str("trigger", trigger).Dur("duration", time.Since(started)).Msg("Session refresh failed, logged out")

		s.notify(nil)
		p.err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		close(p.done)
		return
	}

	s.installLocked(next)
	valid := s.state == StateValid
	saveErr := s.store.Save(ctx, next)
	s.mu.Unlock()

	if saveErr != nil {
		log.Warn().Err(saveErr).Msg("Failed to persist refreshed session, keeping it in memory")
	}
	s.recordRefresh(ctx, trigger, "success")
	log.Info().Str("trigger", trigger).Bool("valid", valid).Dur("duration", time.Since(started)).Msg("session refreshed")

	s.notify(&next)
	p.valid = valid
	if !valid {
		p.err = ErrRefreshedSessionExpired
	}
	close(p.done)
}

// installLocked stores sess, recomputes state and re-arms the timer. Every
// install starts a new generation so stale timers and refreshes are ignored.
func (s *Scheduler) installLocked(sess Session) {
	s.cancelTimerLocked()
	s.pending = nil
	s.gen++

	s.session = &sess
	s.claims = nil
	s.state = StateExpired

	c, ok := claims.Decode(sess.AccessToken)
	if !ok {
		log.Warn().Msg("Access token has no readable claims, treating as expired")
		return
	}
	s.claims = c

	if c.Expired(s.now()) {
		return
	}

	s.state = StateValid
	s.armTimerLocked()
}

// resetLocked drops the session and moves to LoggedOut.
func (s *Scheduler) resetLocked() {
	s.cancelTimerLocked()
	s.pending = nil
	s.gen++
	s.session = nil
	s.claims = nil
	s.state = StateLoggedOut
}

// armTimerLocked schedules the proactive refresh. Any prior timer is
// cancelled first so at most one is outstanding.
func (s *Scheduler) armTimerLocked() {
	s.cancelTimerLocked()

	delay := max(0, s.claims.ExpiryTime().Add(-s.skew).Sub(s.now()))
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.onTimer(gen) })
	s.metrics.SessionTimersArmed.Add(context.Background(), 1)

	log.Debug().Dur("delay", delay).Str("subject", s.claims.Subject).Msg("refresh scheduled")
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil || s.pending != nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	p := s.beginLocked()
	refreshToken := s.session.RefreshToken
	s.mu.Unlock()

	s.runRefresh(context.Background(), p, gen, refreshToken, "timer")
}

// dueLocked reports whether the held session is inside its refresh window.
func (s *Scheduler) dueLocked() bool {
	return s.claims == nil || s.claims.ExpiresWithin(s.now(), s.skew)
}

func (s *Scheduler) notify(sess *Session) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, obs := range s.observers {
		observers = append(observers, obs)
	}
	s.mu.Unlock()

	for _, obs := range observers {
		obs(sess)
	}
}

func (s *Scheduler) recordRefresh(ctx context.Context, trigger, result string) {
	s.metrics.SessionRefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	))
}

// pendingTimers reports how many refresh timers are outstanding, 0 or 1.
func (s *Scheduler) pendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return 0
	}
	return 1
}
