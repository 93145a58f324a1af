package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/lifeline/internal/connectivity"
	"github.com/wolfeidau/lifeline/internal/queue"
	"github.com/wolfeidau/lifeline/internal/session"
	"github.com/wolfeidau/lifeline/internal/telemetry"
)

type RunCmd struct {
	ProbeURL      string        `help:"URL probed to detect connectivity" required:"" env:"LIFELINE_PROBE_URL"`
	ProbeInterval time.Duration `help:"Time between connectivity probes" default:"15s"`
	ProbeTimeout  time.Duration `help:"Timeout for a single probe" default:"5s"`
	IdentityFlags
	HandlerFlags
}

func (c *RunCmd) Run(ctx context.Context, globals *Globals) error {
	if globals.Otel {
		log.Info().Msg("Telemetry export is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "lifeline",
			Version:     globals.Version,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without export")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, err := openServices(ctx, globals)
	if err != nil {
		return err
	}
	defer svc.close()

	scheduler, err := svc.newScheduler(ctx, c.IdentityFlags)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	unsubscribe := scheduler.Subscribe(func(sess *session.Session) {
		if sess == nil {
			log.Warn().Msg("Signed out, run `lifeline session set` to sign in again")
			return
		}
		if next, ok := scheduler.NextRefresh(); ok {
			log.Info().Time("next_refresh", next).Msg("Session updated")
		}
	})
	defer unsubscribe()

	validator := session.NewValidator(scheduler)
	defer validator.Close()

	if result := validator.Validate(ctx); !result.Valid {
		log.Warn().Err(result.Err).Msg(result.Message())
	} else {
		log.Info().Msg(result.Message())
	}

	prober, err := connectivity.NewProber(connectivity.ProberConfig{
		URL:      c.ProbeURL,
		Interval: c.ProbeInterval,
		Timeout:  c.ProbeTimeout,
	})
	if err != nil {
		return err
	}

	q := queue.New(svc.queue)
	release, err := c.register(ctx, q, scheduler.AccessToken)
	if err != nil {
		return err
	}
	defer release()

	log.Info().Str("probe_url", c.ProbeURL).Msg("Lifeline running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prober.Run(gctx)
	})
	g.Go(func() error {
		return q.Run(gctx, prober)
	})

	return g.Wait()
}
