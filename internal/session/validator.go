package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ValidationError describes why the session could not be made usable.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Result is the outcome of the most recent validation.
type Result struct {
	Valid     bool
	Err       error
	CheckedAt time.Time
}

// Message returns a human readable description of the result.
func (r Result) Message() string {
	switch {
	case r.Valid:
		return "session valid"
	case r.Err != nil:
		return r.Err.Error()
	case r.CheckedAt.IsZero():
		return "session not checked"
	default:
		return "session invalid"
	}
}

// Validator re-checks the session every time it changes: it asks the
// scheduler whether the session is usable and forces a refresh when it is
// not. It keeps only the last outcome.
type Validator struct {
	scheduler   *Scheduler
	timeout     time.Duration
	unsubscribe func()
	inChange    atomic.Bool

	mu     sync.RWMutex
	result Result
}

// NewValidator subscribes a validator to the scheduler's session changes.
func NewValidator(scheduler *Scheduler) *Validator {
	v := &Validator{
		scheduler: scheduler,
		timeout:   30 * time.Second,
	}
	v.unsubscribe = scheduler.Subscribe(v.onChange)
	return v
}

// Close stops reacting to session changes.
func (v *Validator) Close() {
	v.unsubscribe()
}

// Result returns the last validation outcome.
func (v *Validator) Result() Result {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.result
}

// Validate checks the session now and records the outcome.
func (v *Validator) Validate(ctx context.Context) Result {
	valid, err := v.scheduler.IsValid(ctx)
	if !valid {
		log.Debug().Err(err).Msg("session not valid, forcing refresh")
		var forceErr error
		valid, forceErr = v.scheduler.ForceRefresh(ctx)
		// A failed refresh has already logged out; keep its cause.
		if err == nil || !errors.Is(forceErr, ErrNoSession) {
			err = forceErr
		}
	}

	res := Result{Valid: valid, CheckedAt: time.Now()}
	if !valid {
		res.Err = describe(err)
	}

	v.mu.Lock()
	v.result = res
	v.mu.Unlock()

	if res.Err != nil {
		log.Info().Err(res.Err).Msg("session validation failed")
	}

	return res
}

// onChange skips changes raised while it is already validating, which happens
// when its own forced refresh replaces the session.
func (v *Validator) onChange(*Session) {
	if !v.inChange.CompareAndSwap(false, true) {
		return
	}
	defer v.inChange.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	v.Validate(ctx)
}

func describe(err error) error {
	switch {
	case err == nil:
		return &ValidationError{Message: "session invalid", Err: ErrNoSession}
	case errors.Is(err, ErrNoSession):
		return &ValidationError{Message: "not signed in", Err: err}
	case errors.Is(err, ErrRefreshFailed):
		return &ValidationError{Message: "session expired and could not be renewed, sign in again", Err: err}
	case errors.Is(err, ErrRefreshedSessionExpired):
		return &ValidationError{Message: "identity provider returned an unusable session", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &ValidationError{Message: "session check timed out", Err: err}
	default:
		return &ValidationError{Message: "session validation failed", Err: err}
	}
}
