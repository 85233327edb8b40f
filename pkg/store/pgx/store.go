package pgx

import (
	"context"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oriel-ai/trellis/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
	SendBatch(ctx context.Context, b *pgxv5.Batch) pgxv5.BatchResults
}

// GraphDBStore implements store.GraphStore on PostgreSQL with pgvector for
// vector similarity and tsvector ranking for keyword search.
//
// The vector indexes are global (not partitioned per tenant), so all
// similarity queries oversample and post-filter on group_id.
type GraphDBStore struct {
	conn pgxIConn
}

// NewGraphDBStore creates a GraphDBStore on an existing connection or pool.
// The connection must have pgvector types registered.
func NewGraphDBStore(conn pgxIConn) *GraphDBStore {
	return &GraphDBStore{conn: conn}
}

// oversampleFactor is how far vector queries overshoot topK before the
// group_id post-filter, so small tenants are not starved out of a global
// index dominated by other groups.
const oversampleFactor = 3

func requireGroup(groupID string) error {
	if groupID == "" {
		return store.ErrMissingGroup
	}
	return nil
}

func oversample(topK int) int {
	if topK <= 0 {
		topK = 10
	}
	return topK * oversampleFactor
}
