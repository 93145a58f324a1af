package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/lifeline/internal/claims"
	"github.com/wolfeidau/lifeline/internal/session"
)

type SessionCmd struct {
	Set      SessionSetCmd      `cmd:"" help:"Store a session from a fresh login"`
	Show     SessionShowCmd     `cmd:"" help:"Show the stored session"`
	Refresh  SessionRefreshCmd  `cmd:"" help:"Refresh the session now"`
	Validate SessionValidateCmd `cmd:"" help:"Check the session, refreshing it if needed"`
	Clear    SessionClearCmd    `cmd:"" help:"Remove the stored session"`
}

type SessionSetCmd struct {
	AccessToken  string `help:"Access token (JWT)" required:"" env:"LIFELINE_ACCESS_TOKEN"`
	RefreshToken string `help:"Refresh token" required:"" env:"LIFELINE_REFRESH_TOKEN"`
	IdentityFlags
}

func (c *SessionSetCmd) Run(ctx context.Context, globals *Globals) error {
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

	sess := session.Session{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	if err := scheduler.SetSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	fmt.Printf("Session stored (%s)\n", scheduler.State())
	return nil
}

type SessionShowCmd struct {
	IdentityFlags
}

func (c *SessionShowCmd) Run(ctx context.Context, globals *Globals) error {
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

	if scheduler.State() == session.StateLoggedOut {
		fmt.Println("No session stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "STATE\t%s\n", scheduler.State())

	cl, ok := scheduler.Claims()
	if !ok {
		fmt.Fprintf(w, "CLAIMS\t%s\n", "unreadable")
		return nil
	}
	printClaims(w, cl)

	next, _ := scheduler.NextRefresh()
	fmt.Fprintf(w, "NEXT REFRESH\t%s\n", formatTime(next))
	return nil
}

func printClaims(w *tabwriter.Writer, c *claims.Claims) {
	fmt.Fprintf(w, "SUBJECT\t%s\n", c.Subject)
	if c.Role != "" {
		fmt.Fprintf(w, "ROLE\t%s\n", c.Role)
	}
	if c.IssuedAt > 0 {
		fmt.Fprintf(w, "ISSUED\t%s\n", formatTime(time.Unix(c.IssuedAt, 0)))
	}
	fmt.Fprintf(w, "EXPIRES\t%s\n", formatTime(c.ExpiryTime()))

	remaining := c.Remaining(time.Now())
	if remaining <= 0 {
		fmt.Fprintf(w, "REMAINING\t%s\n", "expired")
	} else {
		fmt.Fprintf(w, "REMAINING\t%s\n", remaining.Truncate(time.Second))
	}
}

type SessionRefreshCmd struct {
	IdentityFlags
}

func (c *SessionRefreshCmd) Run(ctx context.Context, globals *Globals) error {
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

	valid, err := scheduler.ForceRefresh(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return errors.New("not signed in, run `lifeline session set` first")
		}
		return err
	}
	if !valid {
		return errors.New("refreshed session is not valid")
	}

	cl, _ := scheduler.Claims()
	log.Debug().Str("subject", cl.Subject).Msg("Session refreshed")
	fmt.Printf("Session refreshed, expires %s\n", formatTime(cl.ExpiryTime()))
	return nil
}

type SessionValidateCmd struct {
	IdentityFlags
}

func (c *SessionValidateCmd) Run(ctx context.Context, globals *Globals) error {
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

	validator := session.NewValidator(scheduler)
	defer validator.Close()

	result := validator.Validate(ctx)
	if !result.Valid {
		if result.Err != nil {
			return result.Err
		}
		return errors.New(result.Message())
	}

	fmt.Println(result.Message())
	return nil
}

type SessionClearCmd struct{}

func (c *SessionClearCmd) Run(ctx context.Context, globals *Globals) error {
	svc, err := openServices(ctx, globals)
	if err != nil {
		return err
	}
	defer svc.close()

	scheduler := session.NewScheduler(svc.sessions, nil)
	if err := scheduler.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	fmt.Println("Session cleared.")
	return nil
}
