package pgx

import (
	"context"
)

// groupTables lists every group-scoped table, leaves first so edge rows go
// before the nodes they reference. The extraction cache is intentionally
// absent: it is content-addressed and shared across tenants.
var groupTables = []string{
	"entity_mentions",
	"entity_edges",
	"key_values",
	"raptor_nodes",
	"sentences",
	"chunks",
	"sections",
	"entities",
	"documents",
}

// DeleteGroupData purges every node and edge of one tenant group in a single
// transaction.
func (s *GraphDBStore) DeleteGroupData(ctx context.Context, groupID string) error {
	if err := requireGroup(groupID); err != nil {
		return err
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range groupTables {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE group_id = $1", groupID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
