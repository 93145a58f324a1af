// Package identity adapts an OAuth2 identity provider to session.Refresher.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/wolfeidau/lifeline/internal/session"
)

// Sentinel errors
var (
	// ErrRefreshRejected is returned when the provider answers the refresh
	// grant with an OAuth2 error, typically invalid_grant.
	ErrRefreshRejected = errors.New("identity provider rejected refresh")

	// ErrNoRefreshToken is returned when there is no refresh token to exchange.
	ErrNoRefreshToken = errors.New("no refresh token")
)

// Config configures the OAuth2 refresh-token grant.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	AuthStyle    oauth2.AuthStyle
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// ApplyDefaults sets sensible defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.TokenURL == "" {
		return errors.New("token URL is required")
	}
	return nil
}

// OAuth2Refresher exchanges refresh tokens at an OAuth2 token endpoint.
type OAuth2Refresher struct {
	oauth   *oauth2.Config
	timeout time.Duration
	client  *http.Client
}

var _ session.Refresher = (*OAuth2Refresher)(nil)

// NewOAuth2Refresher creates a refresher from cfg.
func NewOAuth2Refresher(cfg Config) (*OAuth2Refresher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity config: %w", err)
	}

	return &OAuth2Refresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: cfg.AuthStyle,
			},
		},
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
	}, nil
}

// Refresh performs the refresh-token grant. When the provider does not rotate
// the refresh token the current one is kept.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (session.Session, error) {
	if refreshToken == "" {
		return session.Session{}, ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// An empty access token forces the source to refresh.
	tok, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			log.Debug().Str("error_code", rerr.ErrorCode).Msg("Refresh grant rejected")
			return session.Session{}, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return session.Session{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	next := session.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}

	log.Debug().Bool("rotated", next.RefreshToken != refreshToken).Msg("Refresh grant succeeded")

	return next, nil
}
