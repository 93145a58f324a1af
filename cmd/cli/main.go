package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/lifeline/cmd/cli/internal/commands"
	"github.com/wolfeidau/lifeline/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Session   commands.SessionCmd `cmd:"" help:"Manage the stored session"`
		Queue     commands.QueueCmd   `cmd:"" help:"Manage the offline action queue"`
		Run       commands.RunCmd     `cmd:"" help:"Keep the session fresh and drain the queue while online"`
		Debug     bool                `help:"Enable debug mode."`
		DataDir   string              `help:"Directory for session and queue state" default:"~/.lifeline" env:"LIFELINE_DATA_DIR" type:"path"`
		RedisAddr string              `help:"Redis address; stores state in Redis instead of the data directory" env:"LIFELINE_REDIS_ADDR"`
		Otel      bool                `help:"Export metrics and traces over OTLP" env:"LIFELINE_OTEL"`
		Version   kong.VersionFlag
	}
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env")
	}

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("lifeline"),
		kong.Description("Session lifecycle and offline action queue."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	logger.Install(cli.Debug)

	err := cmd.Run(&commands.Globals{
		Debug:     cli.Debug,
		Version:   version,
		DataDir:   cli.DataDir,
		RedisAddr: cli.RedisAddr,
		Otel:      cli.Otel,
	})
	cmd.FatalIfErrorf(err)
}
