// Package storage provides the durable event store and its PostgreSQL
// connection management.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
)

// ErrNoDatabaseConnection is returned when a store is constructed or used
// without a live connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

const healthCheckTimeout = 5 * time.Second

// Connection wraps *sql.DB with pool configuration and health checking.
// A single Connection is shared by all stores in the process.
type Connection struct {
	db     *sql.DB
	config *Config
}

// NewConnection opens a PostgreSQL connection pool with the configured
// limits and verifies connectivity with an initial ping.
func NewConnection(config *Config) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", event.ErrStorageUnavailable, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: failed to ping database: %w", event.ErrStorageUnavailable, err)
	}

	slog.Debug("database connection established",
		slog.String("database_url", config.MaskDatabaseURL()),
		slog.Int("max_open_conns", config.MaxOpenConns),
	)

	return &Connection{db: db, config: config}, nil
}

// NewConnectionFromDB wraps an existing *sql.DB. Used by tests that manage
// their own database lifecycle (testcontainers).
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db, config: &Config{}}
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", event.ErrStorageUnavailable, err)
	}

	return nil
}

// DB exposes the underlying pool for migration tooling.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}

	return c.db.Close()
}
