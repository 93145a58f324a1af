package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/wolfeidau/lifeline/internal/identity"
	"github.com/wolfeidau/lifeline/internal/kv"
	"github.com/wolfeidau/lifeline/internal/queue"
	"github.com/wolfeidau/lifeline/internal/session"
)

var errNoProvider = errors.New("no identity provider configured, set --token-url")

type Globals struct {
	Debug     bool
	Version   string
	DataDir   string
	RedisAddr string
	Otel      bool
}

// IdentityFlags configure the OAuth2 provider used to refresh the session.
type IdentityFlags struct {
	TokenURL     string        `help:"OAuth2 token endpoint" env:"LIFELINE_TOKEN_URL"`
	ClientID     string        `help:"OAuth2 client ID" env:"LIFELINE_CLIENT_ID"`
	ClientSecret string        `help:"OAuth2 client secret" env:"LIFELINE_CLIENT_SECRET"`
	Scopes       []string      `help:"OAuth2 scopes requested on refresh" env:"LIFELINE_SCOPES"`
	RefreshSkew  time.Duration `help:"Refresh this long before the access token expires" default:"5m"`
}

// refresher returns the configured provider. Without a token URL every refresh
// fails, which logs the session out the same way a rejected refresh would.
func (f IdentityFlags) refresher() (session.Refresher, error) {
	if f.TokenURL == "" {
		return session.RefresherFunc(func(ctx context.Context, refreshToken string) (session.Session, error) {
			return session.Session{}, errNoProvider
		}), nil
	}

	authStyle := oauth2.AuthStyleAutoDetect
	if f.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	return identity.NewOAuth2Refresher(identity.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		TokenURL:     f.TokenURL,
		Scopes:       f.Scopes,
		AuthStyle:    authStyle,
	})
}

// services holds the state backends shared by the commands.
type services struct {
	sessions *session.KVStore
	queue    *queue.KVStore
	close    func()
}

func openServices(ctx context.Context, globals *Globals) (*services, error) {
	store, closeFn, err := openKV(ctx, globals)
	if err != nil {
		return nil, err
	}

	return &services{
		sessions: session.NewKVStore(store),
		queue:    queue.NewKVStore(store),
		close:    closeFn,
	}, nil
}

func openKV(ctx context.Context, globals *Globals) (kv.Store, func(), error) {
	if globals.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: globals.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", globals.RedisAddr, err)
		}
		log.Debug().Str("addr", globals.RedisAddr).Msg("Using redis state store")
		return kv.NewRedisStore(client), func() { _ = client.Close() }, nil
	}

	store, err := kv.NewFileStore(globals.DataDir)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("dir", store.Dir()).Msg("Using file state store")
	return store, func() {}, nil
}

// newScheduler builds a scheduler over the stored session and restores it.
func (s *services) newScheduler(ctx context.Context, flags IdentityFlags) (*session.Scheduler, error) {
	refresher, err := flags.refresher()
	if err != nil {
		return nil, err
	}

	opts := []session.Option{}
	if flags.RefreshSkew > 0 {
		opts = append(opts, session.WithRefreshSkew(flags.RefreshSkew))
	}

	scheduler := session.NewScheduler(s.sessions, refresher, opts...)
	if _, err := scheduler.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	return scheduler, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
