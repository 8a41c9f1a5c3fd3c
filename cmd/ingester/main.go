// Package main provides the inbound mail ingestion service.
//
// The ingester consumes raw RFC 5322 messages from Kafka, resolves the
// referenced workflow event id, and records each reply as a durable
// UserReplyReceived event for the orchestrator to process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/inbound"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/schema"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting mail ingestion service",
		slog.String("service", name),
		slog.String("version", version),
	)

	schemas := schema.NewRegistry()
	if err := schemas.Register(event.TypeUserReplyReceived, inbound.ReplyEventSchema); err != nil {
		logger.Error("Failed to register reply event schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	eventStore, err := storage.NewEventStore(dbConn, schemas, storage.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create event store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Event store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	consumerConfig := inbound.LoadConsumerConfig()

	consumer, err := inbound.NewConsumer(consumerConfig, inbound.NewIngestor(eventStore, logger), logger)
	if err != nil {
		logger.Error("Failed to create kafka consumer", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Kafka consumer initialized",
		slog.Any("brokers", consumerConfig.Brokers),
		slog.String("topic", consumerConfig.Topic),
		slog.String("group_id", consumerConfig.GroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil {
		logger.Error("Consumer terminated", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Mail ingestion service stopped")
}
