package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/anthropic"
	"github.com/ford-at-home/whispersync/internal/api"
	"github.com/ford-at-home/whispersync/internal/backfill"
	"github.com/ford-at-home/whispersync/internal/bus"
	"github.com/ford-at-home/whispersync/internal/classifier"
	"github.com/ford-at-home/whispersync/internal/config"
	"github.com/ford-at-home/whispersync/internal/evolver"
	"github.com/ford-at-home/whispersync/internal/handoff"
	"github.com/ford-at-home/whispersync/internal/pipeline"
	"github.com/ford-at-home/whispersync/internal/router"
	"github.com/ford-at-home/whispersync/internal/slack"
	"github.com/ford-at-home/whispersync/internal/store"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if len(os.Args) > 1 && os.Args[1] == "backfill" {
		runBackfill(cfg, os.Args[2:])
		return
	}

	slog.Info("whispersync starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := buildDeps(ctx, cfg)
	defer deps.close()

	// NATS
	busClient, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer busClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)
	deps.evolver = newEvolver(cfg, deps, busClient)

	pipe := buildPipeline(cfg, deps)
	pipe.SetPublisher(busClient)

	// Slack review loop (optional; routing works without it, the agreement
	// scores just stop learning).
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		pipe.SetPoster(slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default()))
		slog.Info("slack review loop ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, running without review loop")
	}

	if err := busClient.Subscribe(bus.SubjectTranscriptStored, pipe.HandleTranscriptStored); err != nil {
		slog.Error("failed to subscribe to transcript events", "error", err)
		os.Exit(1)
	}
	if err := busClient.Subscribe(bus.SubjectReviewReaction, pipe.HandleReviewReaction); err != nil {
		slog.Error("failed to subscribe to review reactions", "error", err)
		os.Exit(1)
	}

	// HTTP inspection API
	srv := api.NewServer(cfg.Port, deps.models, deps.historyAPI)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if err := busClient.Publish("whispersync.service.registered", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
		"agents":    agents.All(),
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("whispersync ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("whispersync stopped")
}

// deps bundles the storage-backed collaborators, which degrade to in-memory
// implementations when no database is configured.
type deps struct {
	db         *store.Store
	models     api.ModelReader
	modelStore usermodel.Store
	history    evolver.HistoryWriter
	historyAPI api.HistoryReader
	llm        *anthropic.Client
	evolver    *evolver.Evolver
}

// noHistory serves the history endpoint when no database is configured.
type noHistory struct{}

func (noHistory) RecentHistory(_ context.Context, _ string, _ int) ([]usermodel.HistoryEntry, error) {
	return nil, nil
}

func (d *deps) close() {
	if d.db != nil {
		d.db.Close()
	}
}

func buildDeps(ctx context.Context, cfg config.Config) *deps {
	d := &deps{}

	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		d.db = db
		d.modelStore = db
		d.models = db
		d.history = db
		d.historyAPI = db
		slog.Info("database connected")
	} else {
		// Single-process mode: models live in memory, no audit history.
		mem := usermodel.NewMemStore()
		d.modelStore = mem
		d.models = mem
		d.historyAPI = noHistory{}
		slog.Warn("DATABASE_URL not set, using in-memory model store")
	}

	if cfg.AnthropicAPIKey == "" {
		slog.Error("ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}
	d.llm = anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	slog.Info("anthropic client ready", "model", cfg.AnthropicModel)

	return d
}

func newEvolver(cfg config.Config, d *deps, publisher evolver.Publisher) *evolver.Evolver {
	ev := evolver.New(d.modelStore, d.history, publisher, slog.Default())
	ev.SetMaxRetries(cfg.MutationRetries)
	return ev
}

func buildPipeline(cfg config.Config, d *deps) *pipeline.Pipeline {
	logger := slog.Default()

	var agreements classifier.AgreementSource
	if d.db != nil {
		agreements = d.db
	}
	cache := classifier.NewLRUCache(cfg.CacheSize, time.Duration(cfg.CacheTTLSec)*time.Second)
	cls := classifier.New(d.llm, cache, agreements, logger)
	cls.SetTimeout(time.Duration(cfg.ClassifyTimeoutSec) * time.Second)

	registry := agents.NewRegistry()
	for _, id := range agents.All() {
		registry.Register(id, agents.NewLLMExecutor(id, d.llm, logger))
	}

	rt := router.New(router.Config{
		SingleMin:  cfg.SingleDispatchMin,
		SingleLead: cfg.SingleDispatchLead,
		FanOutMin:  cfg.FanOutMin,
		FanOutCap:  cfg.FanOutCap,
	}, logger)
	coord := handoff.NewCoordinator(cfg.HandoffHopLimit, logger)

	pipe := pipeline.New(cls, rt, registry, coord, d.evolver, logger)
	pipe.SetFanOutTimeout(time.Duration(cfg.FanOutTimeoutSec) * time.Second)
	if d.db != nil {
		pipe.SetPersonaLog(d.db)
		pipe.SetAgreements(d.db)
	}
	return pipe
}

func runBackfill(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	dir := fs.String("dir", "", "directory of .jsonl transcript exports")
	file := fs.String("file", "", "process a single export file")
	userID := fs.String("user", "", "fallback user id for records without one")
	limit := fs.Int("limit", 0, "stop after this many transcripts")
	dryRun := fs.Bool("dry-run", false, "count transcripts without routing them")
	_ = fs.Parse(args)

	if *dir == "" && *file == "" {
		slog.Error("backfill requires -dir or -file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps := buildDeps(ctx, cfg)
	defer deps.close()
	deps.evolver = newEvolver(cfg, deps, nil)

	pipe := buildPipeline(cfg, deps)

	runner := backfill.NewRunner(backfill.Config{
		Dir:        *dir,
		SingleFile: *file,
		UserID:     *userID,
		Limit:      *limit,
		DryRun:     *dryRun,
	}, pipe, slog.Default())

	if err := runner.Run(ctx); err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
