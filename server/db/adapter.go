// Package adapter contains the interfaces to be implemented by the GenDb storage adapters.
//
// GenDb is a column-oriented abstraction: rows of named cells grouped into column
// families, secondary indices kept as explicit ordered sets, and per-key FIFO queues.
// The only concurrency-control primitive is the atomic single-cell increment; there
// are no cross-row transactions. Any ordered key/value store can implement it.
package adapter

import (
	"context"
	"encoding/json"

	t "github.com/deuxdrop/chat/server/store/types"
)

// Adapter is the interface that must be implemented by a GenDb adapter.
// Every method propagates failures of the underlying store; none swallows them.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter
	GetName() string
	// SetMaxResults configures how many results can be returned in a single scan or peek.
	SetMaxResults(val int) error
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// UpgradeDb upgrades database to the current adapter version.
	UpgradeDb() error
	// Version returns adapter version
	Version() int
	// Stats returns DB connection stats object.
	Stats() any
	// GetTestDB returns the underlying database handle. Use in tests only.
	GetTestDB() any

	// Rows and cells

	// GetRow returns all cells of the row. An absent row is an empty, non-nil map.
	GetRow(ctx context.Context, table, rowID string) (t.Row, error)
	// GetCell returns the value of a single cell or t.Absent.
	GetCell(ctx context.Context, table, rowID, cell string) (t.Value, error)
	// PutCells writes all cells of the map or none of them.
	PutCells(ctx context.Context, table, rowID string, cells t.Row) error
	// DeleteRow removes all cells of the row.
	DeleteRow(ctx context.Context, table, rowID string) error
	// DeleteCell removes a single cell.
	DeleteCell(ctx context.Context, table, rowID, cell string) error
	// IncrementCell atomically adds delta to an integer cell and returns the new value.
	// A missing cell counts as 0.
	IncrementCell(ctx context.Context, table, rowID, cell string, delta int64) (int64, error)

	// Indices

	// UpdateIndexValue unconditionally sets the score of the object.
	UpdateIndexValue(ctx context.Context, table, index, param, object string, score float64) error
	// MaximizeIndexValue sets the score of the object to max(old, score).
	MaximizeIndexValue(ctx context.Context, table, index, param, object string, score float64) error
	// UpdateStringIndexValue replaces the namespace with a single entry named value, score 0.
	// Used where the index has no meaningful numeric order.
	UpdateStringIndexValue(ctx context.Context, table, index, param, value string) error
	// DeleteIndexValue removes the object from the namespace.
	DeleteIndexValue(ctx context.Context, table, index, param, object string) error
	// ScanIndex returns the namespace entries within the range, ordered by descending score,
	// ties broken by object name. Nil range means the full namespace.
	ScanIndex(ctx context.Context, table, index, param string, rng *t.ScanRange) ([]t.IndexEntry, error)

	// Queues

	// QueueAppend appends items to the tail of the queue.
	QueueAppend(ctx context.Context, table, queueKey string, items [][]byte) error
	// QueuePeek returns up to n items from the head of the queue without removing them.
	QueuePeek(ctx context.Context, table, queueKey string, n int) ([][]byte, error)
	// QueueConsumeAndPeek removes consumeN items from the head then returns up to peekN
	// items from the new head.
	QueueConsumeAndPeek(ctx context.Context, table, queueKey string, consumeN, peekN int) ([][]byte, error)
}
