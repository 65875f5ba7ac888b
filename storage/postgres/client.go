// Package postgres implements the target storage interface backed by
// PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/storage"
)

const moduleName = "postgres"

// Client is a client for connecting to PostgreSQL.
type Client struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// pgxLogger adapts the standard logger to pgx's tracelog interface.
type pgxLogger struct {
	logger *log.Logger
}

func (l *pgxLogger) logFuncForLevel(level tracelog.LogLevel) func(string, ...interface{}) {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return l.logger.Debug
	case tracelog.LogLevelInfo:
		return l.logger.Info
	case tracelog.LogLevelWarn:
		return l.logger.Warn
	case tracelog.LogLevelError, tracelog.LogLevelNone:
		return l.logger.Error
	default:
		l.logger.Warn("unknown log level", "unknown_level", level)
		return l.logger.Info
	}
}

// Log implements tracelog.Logger.
func (l *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := []interface{}{}
	for k, v := range data {
		args = append(args, k, v)
	}
	l.logFuncForLevel(level)(msg, args...)
}

// NewClient creates a new PostgreSQL client.
func NewClient(connString string, l *log.Logger) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// For a log line to be produced, it needs to be >= the level specified
	// here, and >= the level of the underlying logger. "Info" level logs
	// every SQL statement executed.
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger: &pgxLogger{
			logger: l.WithModule(moduleName).With("db", config.ConnConfig.Database),
		},
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:   pool,
		logger: l.WithModule(moduleName),
	}, nil
}

// SendBatch submits a new batch of queries as an atomic transaction.
//
// Updated row counts are discarded; only atomic success or failure of the
// whole batch matters to the tally writers.
func (c *Client) SendBatch(ctx context.Context, batch *storage.QueryBatch) error {
	if err := c.sendBatchFast(ctx, batch); err == nil {
		// The fast path succeeded. This should happen most of the time.
		return nil
	}
	// There was an error. The tx was reverted, so we can resubmit. This
	// time send one query at a time for better error messages.
	return c.sendBatchSlow(ctx, batch)
}

// sendBatchFast submits the whole batch in a single roundtrip. pgx reports
// errors poorly on this path: a malformed query anywhere in the batch is
// reported against the first query.
func (c *Client) sendBatchFast(ctx context.Context, batch *storage.QueryBatch) error {
	// Uses the implicit tx provided by SendBatch; see
	// https://github.com/jackc/pgx/issues/879
	batchResults := c.pool.SendBatch(ctx, batch)
	defer func() {
		if err := batchResults.Close(); err != nil {
			c.logger.Warn("failed to close batch results", "err", err)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err := batchResults.Exec(); err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}
	}
	return nil
}

// sendBatchSlow submits the batch one query at a time inside an explicit
// transaction. Slower, but errors name the failing query.
func (c *Client) sendBatchSlow(ctx context.Context, batch *storage.QueryBatch) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	for i, q := range batch.QueuedQueries {
		if _, err2 := tx.Exec(ctx, q.SQL, q.Arguments...); err2 != nil {
			rollbackErr := ""
			if err3 := tx.Rollback(ctx); err3 != nil {
				rollbackErr = fmt.Sprintf("; also failed to rollback tx: %s", err3.Error())
			}
			return fmt.Errorf("query %d %s: %w%s", i, q.SQL, err2, rollbackErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		c.logger.Error("failed to commit batch tx", "err", err)
		return err
	}
	return nil
}

// Query submits a new read query.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) (storage.QueryResults, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		c.logger.Error("failed to query db",
			"err", err,
			"query_cmd", sql,
		)
		return nil, err
	}
	return rows, nil
}

// QueryRow submits a new read query for a single row.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...interface{}) storage.QueryResult {
	return c.pool.QueryRow(ctx, sql, args...)
}

// Begin implements the storage.TargetStorage interface for Client.
func (c *Client) Begin(ctx context.Context) (storage.Tx, error) {
	return c.pool.Begin(ctx)
}

// Healthy implements the storage.TargetStorage interface for Client.
func (c *Client) Healthy(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close implements the storage.TargetStorage interface for Client.
func (c *Client) Close() {
	c.pool.Close()
}

// Name implements the storage.TargetStorage interface for Client.
func (c *Client) Name() string {
	return moduleName
}

var _ storage.TargetStorage = (*Client)(nil)
