package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/jovia/internal/logger"
	"github.com/samcharles93/jovia/internal/version"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "jovia",
		Usage:   "Streaming text generation sessions",
		Version: version.String(),
		Flags:   rootFlags(),
		Before:  setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
			benchCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, cli.Exit(err.Error(), 1)
	}
	applyLogConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log := logger.ForFormat(os.Stderr, logFormat, level)
	log.Debug("config loaded", "path", path, "models", len(cfg.Models))

	ctx = logger.WithContext(ctx, log)
	return withConfig(ctx, cfg), nil
}
