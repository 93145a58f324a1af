// Package session owns the authenticated credential pair for the process: it
// persists it, decides whether it is still usable and renews it before it
// expires.
package session

import (
	"context"
	"errors"
)

// Sentinel errors
var (
	// ErrNoSession is returned when there is no session to use or refresh.
	ErrNoSession = errors.New("no session")

	// ErrRefreshFailed wraps identity provider failures. A failed refresh is
	// terminal for the session and clears it.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrSessionReplaced is returned to callers waiting on a refresh whose
	// session was replaced or cleared before the refresh completed.
	ErrSessionReplaced = errors.New("session replaced during refresh")

	// ErrRefreshedSessionExpired is returned when the identity provider hands
	// back a session whose access token is already expired or unreadable.
	ErrRefreshedSessionExpired = errors.New("refreshed session is not valid")

	// ErrEmptySession is returned when the identity provider returns a session
	// without an access token.
	ErrEmptySession = errors.New("identity provider returned an empty session")
)

// Session is one authenticated credential pair. Values are never mutated;
// lifecycle transitions produce a new Session.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether the session carries no access token.
func (s Session) IsZero() bool {
	return s.AccessToken == ""
}

// Refresher exchanges a refresh token for a new Session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Session, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return f(ctx, refreshToken)
}
