package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/jovia/internal/api"
	"github.com/samcharles93/jovia/internal/logger"
	"github.com/samcharles93/jovia/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		buffer      int64
		sessionTTL  time.Duration
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, commonTokenizerFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "buffer",
			Usage:       "undelivered fragments held per session before the worker waits (0 = unbounded)",
			Destination: &buffer,
		},
		&cli.DurationFlag{
			Name:        "session-ttl",
			Usage:       "drop finished sessions not read for this long (0 = keep until deleted)",
			Value:       api.DefaultSessionRetention,
			Destination: &sessionTTL,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completions and sessions HTTP API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			applyServeConfig(cmd, cfg, &addr)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			models, def := serveModels(cmd, cfg)
			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				Models:       models,
				DefaultModel: def,
				Buffer:       int(buffer),
				Logger:       log,
				Metrics:      metrics.New(reg),
			})
			defer func() { _ = provider.Close() }()

			// Load the default model before accepting requests.
			if def != "" {
				if _, err := provider.Engine(ctx, def); err != nil {
					return cli.Exit(fmt.Sprintf("error: load model %s: %v", def, err), 1)
				}
			}

			server := api.NewServer(provider,
				api.WithLogger(log),
				api.WithGatherer(reg),
				api.WithSessionRegistry(api.NewSessionRegistry(api.WithSessionRetention(sessionTTL))),
			)
			defer server.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting server", "address", addr, "models", len(models), "default", def)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
