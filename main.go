package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"athenaeum/internal/adapter/gemini"
	"athenaeum/internal/app"
	"athenaeum/internal/config"
	"athenaeum/internal/logger"
)

func main() {
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logger.NewContextHandler(base)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()

	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel, cfg.EmbedRateLimit, cfg.EmbedRateBurst)
	if err != nil {
		slog.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}

	generator, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.GenerateModel)
	if err != nil {
		slog.Error("failed to create generator", "error", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, deps.DB, deps.Index, deps.NSQProducer, embedder, generator)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	// Ingestion consumer
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.IngestionConcurrency

	consumer, err := nsq.NewConsumer(config.TopicIngestDocument, config.ChannelIngest, nsqCfg)
	if err != nil {
		slog.Error("failed to create NSQ consumer", "error", err)
		os.Exit(1)
	}
	consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
		return application.IngestConsumer.HandleMessage(m)
	}), cfg.IngestionConcurrency)

	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		slog.Error("failed to connect to NSQLookupd", "error", err)
		os.Exit(1)
	}
	defer consumer.Stop()
	slog.Info("ingest consumer connected", "topic", config.TopicIngestDocument)

	if err := application.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
