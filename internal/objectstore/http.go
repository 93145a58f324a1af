package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// TokenFunc returns the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	// BaseURL is the collection URL; objects live at BaseURL/key.
	BaseURL string

	// Token is optional; when set every request carries a bearer token.
	Token TokenFunc

	// Compress sends PUT bodies zstd-encoded with Content-Encoding: zstd.
	Compress bool

	// MaxTries bounds attempts for transient failures. Default: 4
	MaxTries uint

	// InitialInterval is the first retry delay. Default: 500ms
	InitialInterval time.Duration

	// MaxElapsed bounds the total time spent retrying one request. Default: 30s
	MaxElapsed time.Duration

	Client *http.Client
}

// ApplyDefaults sets sensible defaults for unset fields.
func (c *HTTPConfig) ApplyDefaults() {
	if c.MaxTries == 0 {
		c.MaxTries = 4
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxElapsed == 0 {
		c.MaxElapsed = 30 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: time.Minute}
	}
}

// Validate checks the configuration.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must be http or https, got %q", u.Scheme)
	}
	return nil
}

// HTTPStore talks to an object endpoint with HEAD and PUT.
type HTTPStore struct {
	cfg  HTTPConfig
	base *url.URL
	enc  *zstd.Encoder
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates an HTTP object store.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid object store config: %w", err)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	s := &HTTPStore{cfg: cfg, base: base}

	if cfg.Compress {
		// A nil writer encoder is only used through EncodeAll.
		s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
	}

	return s, nil
}

// Exists reports whether key is present.
func (s *HTTPStore) Exists(ctx context.Context, key string) (bool, error) {
	status, err := s.do(ctx, http.MethodHead, key, nil, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

// Put uploads body under key.
func (s *HTTPStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	payload := body
	if s.enc != nil {
		payload = s.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		header.Set("Content-Encoding", "zstd")

		log.Debug().
			Str("key", key).
			Int("original_bytes", len(body)).
			Int("compressed_bytes", len(payload)).
			Msg("Compressed upload")
	}

	_, err := s.do(ctx, http.MethodPut, key, payload, header)
	return err
}

// do sends one request with retries for network errors, 429 and 5xx. Other
// failures are permanent. HEAD treats 404 as a result rather than an error.
func (s *HTTPStore) do(ctx context.Context, method, key string, body []byte, header http.Header) (int, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	target := s.base.JoinPath(key).String()

	op := func() (int, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		for k, v := range header {
			req.Header[k] = v
		}

		if s.cfg.Token != nil {
			token, err := s.cfg.Token(ctx)
			if err != nil {
				return 0, backoff.Permanent(fmt.Errorf("failed to get access token: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := s.cfg.Client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("%s %s: %w", method, key, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.StatusCode, nil
		case method == http.MethodHead && resp.StatusCode == http.StatusNotFound:
			return resp.StatusCode, nil
		}

		statusErr := &HTTPStatusError{Method: method, Key: key, StatusCode: resp.StatusCode}
		if statusErr.Temporary() {
			return 0, statusErr
		}
		return 0, backoff.Permanent(statusErr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxTries),
		backoff.WithMaxElapsedTime(s.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("key", key).Dur("retry_in", next).Msg("Object store request failed, retrying")
		}),
	)
}
