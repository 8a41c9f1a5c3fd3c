package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
)

// Failure reasons recorded when the orchestrator finalizes an event FAILED.
const (
	reasonHandlerMissing     = "handler_missing"
	reasonMaxRetries         = "max_retries"
	reasonUnhandledException = "unhandled_exception"
)

const (
	defaultIdleSleep   = 1 * time.Second
	defaultBatchSize   = 10
	defaultMaxAttempts = 3
)

// ErrNilStore is returned when the orchestrator is constructed without a store.
var ErrNilStore = errors.New("orchestrator requires a store")

type (
	// Store is the event store surface the orchestrator depends on. The
	// PostgreSQL and in-memory stores both satisfy it.
	Store interface {
		CreateEvent(ctx context.Context, evt *event.Event) error
		Get(ctx context.Context, eventID string) (*event.Event, error)
		Update(ctx context.Context, eventID string, patch event.Patch) (*event.Event, error)
		ListPending(ctx context.Context, limit int) ([]*event.Event, error)
	}

	// Publisher emits the operator notification after an event is persisted
	// in WAITING_USER. The mailer adapter implements it.
	Publisher interface {
		PublishNotification(ctx context.Context, eventID string, notification Notification) error
	}

	// Config holds orchestrator loop tuning.
	Config struct {
		// IdleSleep is the pause between empty polls.
		IdleSleep time.Duration
		// BatchSize is the maximum number of pending events claimed per poll.
		BatchSize int
		// MaxAttempts is the retry budget per event.
		MaxAttempts int
		// Backoff computes the delay between failed attempts.
		Backoff Backoff
	}

	// Orchestrator polls the store for PENDING events, claims them with an
	// optimistic-concurrency update, dispatches to the registered handler
	// with bounded retries, and finalizes the outcome. One Orchestrator runs
	// one sequential worker; multiple instances may poll the same store and
	// rely on the store's concurrency token to arbitrate claims.
	Orchestrator struct {
		store     Store
		registry  *Registry
		publisher Publisher
		config    Config
		logger    *slog.Logger
		workerID  string
	}

	// Option configures optional Orchestrator behavior.
	Option func(*Orchestrator)
)

// LoadConfig loads orchestrator configuration from environment variables
// with fallback to defaults.
func LoadConfig() Config {
	return Config{
		IdleSleep:   config.GetEnvDuration("ORCHESTRATOR_IDLE_SLEEP", defaultIdleSleep),
		BatchSize:   config.GetEnvInt("ORCHESTRATOR_BATCH_SIZE", defaultBatchSize),
		MaxAttempts: config.GetEnvInt("ORCHESTRATOR_MAX_ATTEMPTS", defaultMaxAttempts),
		Backoff: Backoff{
			Base:   config.GetEnvDuration("ORCHESTRATOR_BACKOFF_BASE", defaultBackoffBase),
			Cap:    config.GetEnvDuration("ORCHESTRATOR_BACKOFF_CAP", defaultBackoffCap),
			Jitter: config.GetEnvDuration("ORCHESTRATOR_BACKOFF_JITTER", defaultBackoffJitter),
		},
	}
}

// WithOrchestratorLogger sets the loop logger.
func WithOrchestratorLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator over the given store and handler registry.
// The publisher may be nil (notifications are then dropped with a warning).
// The reserved UserReplyReceived handler is registered unless the registry
// already carries an override.
func New(store Store, registry *Registry, publisher Publisher, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if registry == nil {
		registry = NewRegistry()
	}

	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = defaultIdleSleep
	}

	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	o := &Orchestrator{
		store:     store,
		registry:  registry,
		publisher: publisher,
		config:    cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		workerID: uuid.NewString(),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.With(slog.String("worker_id", o.workerID))

	if !registry.Has(event.TypeUserReplyReceived) {
		_ = registry.Register(event.TypeUserReplyReceived, NewUserReplyHandler(store, o.logger))
	}

	return o, nil
}

// WorkerID returns the unique identity of this orchestrator instance.
func (o *Orchestrator) WorkerID() string {
	return o.workerID
}

// Run polls until ctx is canceled. The idle sleep is abandoned promptly on
// cancellation; an in-flight handler invocation runs to completion.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		slog.Duration("idle_sleep", o.config.IdleSleep),
		slog.Int("batch_size", o.config.BatchSize),
		slog.Int("max_attempts", o.config.MaxAttempts),
	)

	for {
		if ctx.Err() != nil {
			o.logger.Info("orchestrator stopped")

			return nil
		}

		processed, err := o.RunOnce(ctx)
		if err != nil {
			// Storage-level failure: log and keep polling, the store may
			// come back.
			o.logger.Error("poll failed", slog.String("error", err.Error()))
		}

		if processed == 0 {
			if !sleepCtx(ctx, o.config.IdleSleep) {
				o.logger.Info("orchestrator stopped")

				return nil
			}
		}
	}
}

// RunOnce performs a single poll pass: list pending, claim, dispatch,
// finalize. Returns the number of events this worker processed.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	pending, err := o.store.ListPending(ctx, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	processed := 0

	for _, candidate := range pending {
		if ctx.Err() != nil {
			break
		}

		claimed, ok := o.claim(ctx, candidate)
		if !ok {
			continue
		}

		o.process(ctx, claimed)

		processed++
	}

	return processed, nil
}

// claim attempts the atomic PENDING → IN_PROGRESS transition, guarded by the
// updated_at token observed during listing. Lost races and rows that moved
// out of PENDING are skipped.
func (o *Orchestrator) claim(ctx context.Context, candidate *event.Event) (*event.Event, bool) {
	inProgress := event.StatusInProgress

	claimed, err := o.store.Update(ctx, candidate.ID, event.Patch{
		Status:            &inProgress,
		ExpectedUpdatedAt: &candidate.UpdatedAt,
	})

	switch {
	case err == nil:
		o.logger.Debug("event claimed",
			slog.String("event_id", claimed.ID),
			slog.String("event_type", claimed.Type),
		)

		return claimed, true

	case errors.Is(err, event.ErrConcurrency):
		o.logger.Debug("claim lost to concurrent worker", slog.String("event_id", candidate.ID))

		return nil, false

	case errors.Is(err, event.ErrIllegalTransition):
		// The row moved out of PENDING between listing and claim.
		o.logger.Debug("claim skipped, event no longer pending", slog.String("event_id", candidate.ID))

		return nil, false

	default:
		o.logger.Error("claim failed",
			slog.String("event_id", candidate.ID),
			slog.String("error", err.Error()),
		)

		return nil, false
	}
}

// process dispatches one claimed event through its handler with bounded
// retries and finalizes the outcome.
func (o *Orchestrator) process(ctx context.Context, claimed *event.Event) {
	handler, ok := o.registry.Lookup(claimed.Type)
	if !ok {
		o.logger.Error("no handler for event type",
			slog.String("event_id", claimed.ID),
			slog.String("event_type", claimed.Type),
			slog.String("reason", reasonHandlerMissing),
		)

		o.finalize(ctx, claimed, Failed(reasonHandlerMissing), reasonHandlerMissing)

		return
	}

	attempts := claimed.Retries
	if attempts < 0 {
		attempts = 0
	}

	for {
		result, err := invoke(ctx, handler, claimed)
		if err == nil {
			o.finalize(ctx, claimed, result, "")

			return
		}

		if errors.Is(err, ErrHandlerPanic) {
			// Escaped the handler contract entirely: finalize FAILED without
			// consuming the retry budget on something that will not recover.
			o.logger.Error("event_unhandled_exception",
				slog.String("event_id", claimed.ID),
				slog.String("event_type", claimed.Type),
				slog.String("error", err.Error()),
			)

			o.finalize(ctx, claimed, Failed(reasonUnhandledException+": "+err.Error()), reasonUnhandledException)

			return
		}

		attempts++

		lastError := err.Error()

		updated, uerr := o.store.Update(ctx, claimed.ID, event.Patch{
			Retries:   &attempts,
			LastError: &lastError,
		})
		if uerr != nil {
			// Storage failure mid-dispatch: abandon this event, the loop
			// continues with the next one.
			o.logger.Error("failed to persist retry state",
				slog.String("event_id", claimed.ID),
				slog.String("error", uerr.Error()),
			)

			return
		}

		claimed = updated

		o.logger.Warn("handler attempt failed",
			slog.String("event_id", claimed.ID),
			slog.String("event_type", claimed.Type),
			slog.Int("retries", attempts),
			slog.String("error", lastError),
		)

		if attempts >= o.config.MaxAttempts {
			o.finalize(ctx, claimed, Result{Status: event.StatusFailed}, reasonMaxRetries)

			return
		}

		if !sleepCtx(ctx, o.config.Backoff.Delay(attempts)) {
			// Shutdown during backoff: the event stays claimed in
			// IN_PROGRESS for operator recovery.
			return
		}
	}
}

// finalize persists the handler outcome and, for WAITING_USER, hands the
// notification to the publisher as a post-commit action.
func (o *Orchestrator) finalize(ctx context.Context, claimed *event.Event, result Result, reason string) {
	status := result.Status
	if status == "" {
		status = event.StatusCompleted
	}

	patch := event.Patch{Status: &status}

	if result.Payload != nil {
		patch.Payload = result.Payload
	}

	if len(result.Labels) > 0 {
		labels := claimed.Labels
		for _, label := range result.Labels {
			labels, _ = event.AddLabel(labels, label)
		}

		patch.Labels = labels
	}

	if result.CorrelationID != "" {
		correlationID := result.CorrelationID
		patch.CorrelationID = &correlationID
	}

	switch status {
	case event.StatusCompleted, event.StatusWaitingUser:
		cleared := ""
		patch.LastError = &cleared
	case event.StatusFailed:
		if result.Error != "" {
			lastError := result.Error
			patch.LastError = &lastError
		}
	}

	finalized, err := o.store.Update(ctx, claimed.ID, patch)
	if err != nil {
		o.logger.Error("failed to finalize event",
			slog.String("event_id", claimed.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)

		return
	}

	attrs := []any{
		slog.String("event_id", finalized.ID),
		slog.String("event_type", finalized.Type),
		slog.String("status", string(status)),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}

	o.logger.Info("event finalized", attrs...)

	if status == event.StatusWaitingUser && result.Notification != nil {
		o.publishNotification(ctx, finalized.ID, *result.Notification)
	}
}

// publishNotification emits the operator notification for a suspended event.
// Failures are logged, never undone: the WAITING_USER row is already durable
// and a reply can still resume it.
func (o *Orchestrator) publishNotification(ctx context.Context, eventID string, notification Notification) {
	if o.publisher == nil {
		o.logger.Warn("no notification publisher configured, dropping notification",
			slog.String("event_id", eventID),
		)

		return
	}

	if err := o.publisher.PublishNotification(ctx, eventID, notification); err != nil {
		o.logger.Warn("notification publish failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)

		return
	}

	o.logger.Debug("notification published",
		slog.String("event_id", eventID),
		slog.String("to", notification.To),
	)
}

// sleepCtx sleeps for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
