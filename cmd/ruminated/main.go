// Package main is the entry point for the ruminated reasoning service.
// It wires the completion provider, the Postgres memory store, and the
// documentation corpus into the pipeline and serves the SSE API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver for the memory store
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zoobzio/capitan"

	"github.com/zoobzio/ruminate"
)

var (
	version = "0.1.0"
	cfgPath string
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:     "ruminated",
		Short:   "Reasoning pipeline service",
		Long:    "ruminated runs a staged LLM reasoning pipeline over HTTP, streaming per-stage progress as server-sent events.",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (optional)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	logger := newLogger()

	cfg, err := ruminate.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	store, err := ruminate.NewSoyStore(db)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close()

	provider := ruminate.NewOpenAIProvider(cfg.ProviderAPIKey,
		ruminate.WithBaseURL(cfg.ProviderBaseURL),
		ruminate.WithModel(cfg.ProviderModel),
	)

	pipeline := ruminate.NewPipeline(provider, store).
		WithBudget(cfg.Budget).
		WithThreshold(cfg.Threshold).
		WithStageTimeout(cfg.StageTimeout).
		WithContextWindow(cfg.ContextWindow)

	if cfg.DocsDir != "" {
		pipeline.WithEvidence(ruminate.NewDirSource(cfg.DocsDir))
	}
	if cfg.EmbedderAPIKey != "" {
		pipeline.WithEmbedder(ruminate.NewOpenAIEmbedder(cfg.EmbedderAPIKey))
	}

	closeBridge := bridgeSignals(logger)
	defer closeBridge()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ruminate.NewServer(pipeline).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("ruminated listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// bridgeSignals forwards capitan pipeline signals to zerolog. The library
// never logs directly; the binary decides what surfaces.
func bridgeSignals(logger zerolog.Logger) func() {
	hook := func(msg string, level zerolog.Level) func(context.Context, *capitan.Event) {
		return func(_ context.Context, e *capitan.Event) {
			ev := logger.WithLevel(level)
			if v, ok := ruminate.FieldTraceID.From(e); ok {
				ev = ev.Str("trace_id", v)
			}
			if v, ok := ruminate.FieldStage.From(e); ok {
				ev = ev.Str("stage", v)
			}
			if v, ok := ruminate.FieldDecision.From(e); ok {
				ev = ev.Str("decision", v)
			}
			if v, ok := ruminate.FieldStepCount.From(e); ok {
				ev = ev.Int("steps", v)
			}
			if v, ok := ruminate.FieldTokensUsed.From(e); ok {
				ev = ev.Int("tokens_used", v)
			}
			if v, ok := ruminate.FieldConfidence.From(e); ok {
				ev = ev.Float32("confidence", v)
			}
			if v, ok := ruminate.FieldStageDuration.From(e); ok {
				ev = ev.Dur("duration", v)
			}
			if err, ok := ruminate.FieldError.From(e); ok {
				ev = ev.Err(err)
			}
			ev.Msg(msg)
		}
	}

	listeners := []*capitan.Listener{
		capitan.Hook(ruminate.RunStarted, hook("run started", zerolog.InfoLevel)),
		capitan.Hook(ruminate.RunCompleted, hook("run completed", zerolog.InfoLevel)),
		capitan.Hook(ruminate.RunFailed, hook("run failed", zerolog.ErrorLevel)),
		capitan.Hook(ruminate.RunCanceled, hook("run canceled", zerolog.WarnLevel)),
		capitan.Hook(ruminate.StageStarted, hook("stage started", zerolog.DebugLevel)),
		capitan.Hook(ruminate.StageCompleted, hook("stage completed", zerolog.DebugLevel)),
		capitan.Hook(ruminate.StageFailed, hook("stage failed", zerolog.ErrorLevel)),
		capitan.Hook(ruminate.GateDecided, hook("gate decided", zerolog.InfoLevel)),
		capitan.Hook(ruminate.ChainPersisted, hook("chain persisted", zerolog.DebugLevel)),
	}

	return func() {
		for _, l := range listeners {
			l.Close()
		}
	}
}
