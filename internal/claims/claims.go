// Package claims extracts expiry bookkeeping fields from bearer tokens.
//
// Tokens are not verified here: the issuer already validated them, this
// package only reads what they say about themselves.
package claims

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims is the decoded view of an access token. Times are unix seconds.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Role      string `json:"role,omitempty"`
}

// tokenClaims is the shape parsed out of the payload segment. Only these
// fields are read so unrelated claims of any type are ignored.
type tokenClaims struct {
	Subject   string           `json:"sub"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	Role      string           `json:"role"`
}

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode returns the claims carried by token, or false if the token is not a
// three segment token with a parseable payload carrying a sane expiry.
func Decode(token string) (*Claims, bool) {
	if strings.Count(token, ".") != 2 {
		return nil, false
	}

	payload, err := parser.DecodeSegment(strings.Split(token, ".")[1])
	if err != nil {
		log.Debug().Err(err).Msg("failed to decode token payload")
		return nil, false
	}

	var tc tokenClaims
	if err := json.Unmarshal(payload, &tc); err != nil {
		log.Debug().Err(err).Msg("failed to parse token claims")
		return nil, false
	}

	if tc.ExpiresAt == nil {
		return nil, false
	}

	c := &Claims{
		Subject:   tc.Subject,
		ExpiresAt: tc.ExpiresAt.Unix(),
		Role:      tc.Role,
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Unix()
	}

	if c.ExpiresAt <= c.IssuedAt {
		return nil, false
	}

	return c, true
}

// ExpiryTime returns the expiry as a time.Time.
func (c *Claims) ExpiryTime() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Expired reports whether the token has expired at now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt <= now.Unix()
}

// ExpiresWithin reports whether the token expires within d of now.
// An already expired token expires within any window.
func (c *Claims) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(c.ExpiryTime())
}

// Remaining is the time left before expiry, never negative.
func (c *Claims) Remaining(now time.Time) time.Duration {
	return max(0, c.ExpiryTime().Sub(now))
}
