package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ProberConfig configures an HTTP reachability probe.
type ProberConfig struct {
	// URL is requested with HEAD; any response below 500 counts as online.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// ApplyDefaults sets sensible defaults for unset fields.
func (c *ProberConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
}

// Validate checks the configuration.
func (c *ProberConfig) Validate() error {
	if c.URL == "" {
		return errors.New("probe URL is required")
	}
	if c.Interval < 0 || c.Timeout < 0 {
		return errors.New("probe interval and timeout must not be negative")
	}
	return nil
}

// Prober is a Monitor that periodically probes a URL.
type Prober struct {
	broadcaster
	cfg ProberConfig
}

// NewProber creates a prober. Its state is unknown until the first probe.
func NewProber(cfg ProberConfig) (*Prober, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prober config: %w", err)
	}
	return &Prober{cfg: cfg}, nil
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Debug().Str("url", p.cfg.URL).Dur("interval", p.cfg.Interval).Msg("Connectivity prober started")

	p.check(ctx)
	for {
		select {
		case <-ticker.C:
			p.check(ctx)
		case <-ctx.Done():
			log.Debug().Msg("Connectivity prober stopped")
			return nil
		}
	}
}

// Online returns the last probed state; false until the first probe.
func (p *Prober) Online() bool {
	online, _ := p.state()
	return online
}

func (p *Prober) check(ctx context.Context) {
	online := p.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if p.publish(online) {
		log.Info().Bool("online", online).Str("url", p.cfg.URL).Msg("Connectivity changed")
	}
}

// Probe performs a single reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build probe request")
		return false
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Probe failed")
		return false
	}
	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
