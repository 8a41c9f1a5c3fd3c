// Package main provides the workflow orchestrator service.
//
// The orchestrator polls the event store for PENDING events, dispatches them
// to registered handlers with bounded retries, suspends events that need a
// user decision, and emits correlated notification mail for suspended events.
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
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/mailer"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/orchestrator"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/schema"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "orchestrator"
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

	logger.Info("Starting workflow orchestrator",
		slog.String("service", name),
		slog.String("version", version),
	)

	// Payload schemas: configured workflow types plus the reserved reply type.
	schemaConfig, err := schema.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load schema configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	schemas := schema.NewRegistryFromConfig(schemaConfig, logger)

	if !schemas.Has(event.TypeUserReplyReceived) {
		if err := schemas.Register(event.TypeUserReplyReceived, inbound.ReplyEventSchema); err != nil {
			logger.Error("Failed to register reply event schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("Payload schema registry initialized", slog.Int("schemas", schemas.Len()))

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
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	mailerConfig := mailer.LoadConfig()
	if err := mailerConfig.Validate(); err != nil {
		logger.Error("Invalid mailer configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	var transport mailer.Transport

	if mailerConfig.DryRun {
		transport = mailer.NewLogTransport(logger)

		logger.Warn("Mail dry-run mode enabled, notifications are logged, not delivered")
	} else {
		transport, err = mailer.NewSMTPTransport(mailerConfig)
		if err != nil {
			logger.Error("Failed to create SMTP transport", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		logger.Info("SMTP transport initialized",
			slog.String("host", mailerConfig.SMTPHost),
			slog.Int("port", mailerConfig.SMTPPort),
			slog.String("sender", mailerConfig.Sender),
		)
	}

	notifier := mailer.New(transport, eventStore, mailerConfig, mailer.WithMailerLogger(logger))

	orchestratorConfig := orchestrator.LoadConfig()

	engine, err := orchestrator.New(
		eventStore,
		orchestrator.NewRegistry(),
		notifier,
		orchestratorConfig,
		orchestrator.WithOrchestratorLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to create orchestrator", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Orchestrator initialized",
		slog.String("worker_id", engine.WorkerID()),
		slog.Duration("idle_sleep", orchestratorConfig.IdleSleep),
		slog.Int("batch_size", orchestratorConfig.BatchSize),
		slog.Int("max_attempts", orchestratorConfig.MaxAttempts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		logger.Error("Orchestrator terminated", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Workflow orchestrator stopped")
}
