// Command content-search serves the resilient content-search API over
// HTTP: provider search with circuit breaking and caching, per-user
// browsing sessions, and persisted preferences.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/content-search/server"
	"github.com/wolfeidau/content-search/telemetry"
)

var version = "dev"

type cli struct {
	Address    string `help:"Address to listen on." default:":8080"`
	Storage    string `help:"Path to the bbolt database file." default:"./content-search.db"`
	AuthToken  string `help:"Bearer token required on API endpoints." env:"AUTH_TOKEN"`
	Vocabulary string `help:"Path to a JSON tag-vocabulary file." type:"existingfile" optional:""`

	BooruURL     string `help:"Override the booru upstream base URL." name:"booru-url"`
	PhilomenaURL string `help:"Override the philomena upstream base URL." name:"philomena-url"`

	ResultTTL        time.Duration `help:"How long query results are cached." default:"5m"`
	SessionTTL       time.Duration `help:"How long a browsing session lives." default:"10m"`
	SweepInterval    time.Duration `help:"How often expired sessions are swept." default:"5m"`
	FailureThreshold int           `help:"Consecutive failures before a provider's circuit opens." default:"3"`
	CoolDown         time.Duration `help:"How long an open circuit waits before a trial call." default:"30s"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTLP_ENDPOINT" name:"otlp-endpoint"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("content-search"),
		kong.Description("Resilient content-search and session-pagination server."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "content-search",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	srv, err := server.New(server.Config{
		Address:           flags.Address,
		StoragePath:       flags.Storage,
		AuthToken:         flags.AuthToken,
		UpstreamBooru:     flags.BooruURL,
		UpstreamPhilomena: flags.PhilomenaURL,
		ResultTTL:         flags.ResultTTL,
		SessionTTL:        flags.SessionTTL,
		SweepInterval:     flags.SweepInterval,
		FailureThreshold:  flags.FailureThreshold,
		CoolDown:          flags.CoolDown,
		VocabularyPath:    flags.Vocabulary,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address(), "version", version)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
