// Package main implements the flowtrace daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/gitlab-org/flowtrace/internal/backend"
	"gitlab.com/gitlab-org/flowtrace/internal/command"
	"gitlab.com/gitlab-org/flowtrace/internal/config"
	"gitlab.com/gitlab-org/flowtrace/internal/handler"
	"gitlab.com/gitlab-org/flowtrace/internal/instrument"
	internallogger "gitlab.com/gitlab-org/flowtrace/internal/logger"
	"gitlab.com/gitlab-org/flowtrace/internal/server"
	"gitlab.com/gitlab-org/flowtrace/internal/transport"

	"gitlab.com/gitlab-org/labkit/fields"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/v2/log"
)

var (
	configDir = flag.String("config-dir", "", "The directory the config is in")

	// Version is the current version of flowtrace
	Version = "(unknown version)" // Set at build time
	// BuildTime signifies the time the binary was build
	BuildTime = "19700101.000000" // Set at build time
)

func overrideConfigFromEnvironment(cfg *config.Config) {
	if listen := os.Getenv("FLOWTRACE_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if backendURL := os.Getenv("FLOWTRACE_BACKEND_URL"); backendURL != "" {
		cfg.Backend.URL = backendURL
	}
	if secret := os.Getenv("FLOWTRACE_BACKEND_SECRET"); secret != "" {
		cfg.Backend.Secret = secret
	}
	if logFormat := os.Getenv("FLOWTRACE_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
}

func main() {
	ctx := context.Background()
	logger := log.New()
	command.CheckForVersionFlag(os.Args, Version, BuildTime)
	flag.Parse()

	cfg := new(config.Config)
	if *configDir != "" {
		var err error
		cfg, err = config.NewFromDir(*configDir)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"failed to load configuration from specified directory",
				slog.String(fields.ErrorMessage, err.Error()),
			)
			return
		}
	}

	overrideConfigFromEnvironment(cfg)
	cfg.ApplyDefaults()
	if err := cfg.IsSane(); err != nil {
		ctx = log.AppendFields(context.Background(), slog.String(
			fields.ErrorMessage, err.Error(),
		))
		if *configDir == "" {
			logger.ErrorContext(ctx, "no config-dir provided, using only environment variables")
		} else {
			logger.ErrorContext(ctx, "configuration error")
		}
		return
	}

	logCloser := internallogger.Configure(cfg)
	defer logCloser.Close() //nolint:errcheck

	ctx, finished := command.Setup("flowtrace", cfg)
	defer finished()

	router, err := newRouter(cfg)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to configure the backend",
			slog.String(fields.ErrorMessage, err.Error()),
		)
		return
	}

	srv, err := server.NewServer(cfg, router, newInstrumenter(ctx, cfg, router))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start flowtrace",
			slog.String(fields.ErrorMessage, err.Error()),
		)
		return
	}

	// Startup monitoring endpoint.
	if cfg.Server.WebListen != "" {
		startupMonitoringEndpoint(cfg, srv)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	gracefulShutdown(ctx, done, cfg, srv, cancel)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.ErrorContext(ctx, "flowtrace failed to listen for new connections",
			slog.String(fields.ErrorMessage, err.Error()))
		return
	}
}

func newRouter(cfg *config.Config) (*handler.Router, error) {
	if cfg.Backend.URL == "" {
		return handler.NewRouter(nil), nil
	}

	client, err := backend.New(&cfg.Backend)
	if err != nil {
		return nil, err
	}

	return handler.NewRouter(client), nil
}

func newInstrumenter(ctx context.Context, cfg *config.Config, router *handler.Router) transport.Instrumenter {
	flags, err := instrument.ConfigureFlags(&cfg.Instrumentation)
	if err != nil {
		log.New().WarnContext(ctx, "Failed to configure feature flags",
			slog.String(fields.ErrorMessage, err.Error()),
		)

		if cfg.Instrumentation.Disabled {
			return nil
		}

		return instrument.New(&cfg.Instrumentation, nil, router.Commands()...)
	}

	return instrument.New(&cfg.Instrumentation, flags, router.Commands()...)
}

func gracefulShutdown(
	ctx context.Context,
	done chan os.Signal,
	cfg *config.Config,
	srv *server.Server,
	cancel context.CancelFunc,
) {
	go func() {
		sig := <-done
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
		logger := log.New()

		gracePeriod := time.Duration(cfg.Server.GracePeriod)
		logger.InfoContext(ctx, "Shutdown initiated",
			slog.Float64("shutdown_timeout_s", gracePeriod.Seconds()),
			slog.String("signal", sig.String()),
		)

		if err := srv.Shutdown(); err != nil {
			logger.ErrorContext(ctx, "Error shutting down the server", slog.String(fields.ErrorMessage, err.Error()))
			return
		}

		<-time.After(gracePeriod)

		cancel()
	}()
}

func startupMonitoringEndpoint(cfg *config.Config, srv *server.Server) {
	go func() {
		err := monitoring.Start(
			monitoring.WithListenerAddress(cfg.Server.WebListen),
			monitoring.WithBuildInformation(Version, BuildTime),
			monitoring.WithServeMux(srv.MonitoringServeMux()),
		)
		logger := log.New()
		logger.Error("monitoring service raised an error", slog.String(
			fields.ErrorMessage, err.Error(),
		))
	}()
}
