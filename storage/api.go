// Package storage defines the tally storage interfaces.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// QueryBatch represents a batch of queries to be executed atomically.
type QueryBatch = pgx.Batch

// QueryResults represents the results from a read query.
type QueryResults = pgx.Rows

// QueryResult represents the result from a read query.
type QueryResult = pgx.Row

// Tx represents an in-progress database transaction.
type Tx = pgx.Tx

// TargetStorage defines an interface for reading and writing tally state.
type TargetStorage interface {
	// SendBatch sends a batch of queries to be applied atomically.
	SendBatch(ctx context.Context, batch *QueryBatch) error

	// Query submits a query to fetch data.
	Query(ctx context.Context, sql string, args ...interface{}) (QueryResults, error)

	// QueryRow submits a query to fetch a single row of data.
	QueryRow(ctx context.Context, sql string, args ...interface{}) QueryResult

	// Begin starts an explicit transaction.
	Begin(ctx context.Context) (Tx, error)

	// Healthy pings the storage backend.
	Healthy(ctx context.Context) error

	// Close releases the storage connection.
	Close()

	// Name returns the name of the target storage.
	Name() string
}
