package inbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
)

const (
	defaultTopic       = "mail.inbound"
	defaultGroupID     = "workflow-ingester"
	defaultMinBytes    = 1
	defaultMaxBytes    = 10 << 20 // 10 MiB, headroom for attachments
	defaultMaxWait     = time.Second
	defaultCommitRetry = 5 * time.Second
)

// Sentinel errors for consumer configuration.
var (
	// ErrBrokersEmpty is returned when no Kafka brokers are configured.
	ErrBrokersEmpty = errors.New("kafka brokers cannot be empty")

	// ErrTopicEmpty is returned when the inbound topic is empty.
	ErrTopicEmpty = errors.New("kafka topic cannot be empty")
)

type (
	// ConsumerConfig holds Kafka consumer configuration for the inbound
	// mail topic.
	ConsumerConfig struct {
		// Brokers is the Kafka bootstrap broker list.
		Brokers []string
		// Topic carries raw RFC 5322 messages, one mail per record.
		Topic string
		// GroupID is the consumer group; offsets are committed only after
		// a message is durably recorded or conclusively rejected.
		GroupID string
	}

	// fetcher is the narrow kafka.Reader surface the consumer uses, seamed
	// for tests.
	fetcher interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Consumer reads raw mail from Kafka and feeds it to the ingestor.
	Consumer struct {
		reader   fetcher
		ingestor *Ingestor
		logger   *slog.Logger
	}
)

// LoadConsumerConfig loads consumer configuration from environment variables
// with fallback to defaults.
func LoadConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		GroupID: config.GetEnvStr("KAFKA_GROUP_ID", defaultGroupID),
	}
}

// Validate checks the consumer configuration.
func (c *ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrBrokersEmpty
	}

	if c.Topic == "" {
		return ErrTopicEmpty
	}

	return nil
}

// NewConsumer creates a Kafka consumer for the inbound mail topic.
func NewConsumer(cfg *ConsumerConfig, ingestor *Ingestor, logger *slog.Logger) (*Consumer, error) {
	if cfg == nil {
		cfg = LoadConsumerConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: defaultMinBytes,
		MaxBytes: defaultMaxBytes,
		MaxWait:  defaultMaxWait,
	})

	return &Consumer{reader: reader, ingestor: ingestor, logger: logger}, nil
}

// newConsumerWithFetcher is the test constructor.
func newConsumerWithFetcher(reader fetcher, ingestor *Ingestor, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Consumer{reader: reader, ingestor: ingestor, logger: logger}
}

// Run consumes until the context is canceled. Offset handling:
//
//   - recorded reply → commit.
//   - message without a resolvable event id or unparseable → log, commit
//     (redelivery cannot fix the message).
//   - store failure → no commit; the record is redelivered.
//
// Returns nil on context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("failed to close kafka reader", slog.String("error", err.Error()))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("fetch from %s failed: %w", msg.Topic, err)
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("inbound message not committed, will be redelivered",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := c.commit(ctx, msg); err != nil {
			return err
		}
	}
}

// handle processes one record. A nil return means the offset may be
// committed, whether the reply was recorded or conclusively rejected.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	parsed, err := Parse(bytes.NewReader(msg.Value))

	switch {
	case err == nil:
		if _, err := c.ingestor.Ingest(ctx, parsed); err != nil {
			return err
		}

		return nil
	case errors.Is(err, ErrEventIDMissing):
		c.logger.Warn("inbound mail carries no event id, dropping",
			slog.String("subject", parsed.Subject),
			slog.String("from", parsed.From),
			slog.Int64("offset", msg.Offset),
		)

		return nil
	case errors.Is(err, ErrMessageMalformed):
		c.logger.Warn("inbound mail is malformed, dropping",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return nil
	default:
		return err
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	for {
		err := c.reader.CommitMessages(ctx, msg)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		c.logger.Warn("offset commit failed, retrying",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(defaultCommitRetry):
		}
	}
}
