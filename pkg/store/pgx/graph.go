package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

// ExpandNeighbors walks RELATED_TO edges outward from the seed entities for
// the given hop count. Both edge endpoints are constrained to the group on
// every hop; a cross-tenant node must not enter even an intermediate step.
// perNeighborLimit caps the edges taken per frontier node and hop.
func (s *GraphDBStore) ExpandNeighbors(
	ctx context.Context,
	groupID string,
	seedIDs []string,
	hops int,
	perNeighborLimit int,
) ([]common.EntityEdge, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	seedIDs = store.DedupeStrings(seedIDs)
	if len(seedIDs) == 0 {
		return nil, nil
	}
	if hops <= 0 {
		hops = 1
	}
	if perNeighborLimit <= 0 {
		perNeighborLimit = 32
	}

	seen := make(map[string]struct{})
	frontier := seedIDs
	out := make([]common.EntityEdge, 0)

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		rows, err := s.conn.Query(ctx, `
			SELECT e.id, e.group_id, e.source_id, e.target_id, e.description, e.weight
			FROM unnest($2::text[]) AS seed(id)
			CROSS JOIN LATERAL (
				SELECT ee.id, ee.group_id, ee.source_id, ee.target_id, ee.description, ee.weight
				FROM entity_edges ee
				JOIN entities src ON src.id = ee.source_id AND src.group_id = $1
				JOIN entities dst ON dst.id = ee.target_id AND dst.group_id = $1
				WHERE ee.group_id = $1
				  AND (ee.source_id = seed.id OR ee.target_id = seed.id)
				ORDER BY ee.weight DESC
				LIMIT $3
			) e`,
			groupID, frontier, perNeighborLimit,
		)
		if err != nil {
			return nil, err
		}

		next := make([]string, 0)
		inFrontier := make(map[string]struct{}, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = struct{}{}
			seen[id] = struct{}{}
		}

		for rows.Next() {
			var edge common.EntityEdge
			if err := rows.Scan(&edge.ID, &edge.GroupID, &edge.SourceID, &edge.TargetID, &edge.Description, &edge.Weight); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, edge)
			for _, endpoint := range []string{edge.SourceID, edge.TargetID} {
				if _, ok := seen[endpoint]; !ok {
					seen[endpoint] = struct{}{}
					next = append(next, endpoint)
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}

	return dedupeEdges(out), nil
}

func dedupeEdges(edges []common.EntityEdge) []common.EntityEdge {
	seen := make(map[string]struct{}, len(edges))
	out := make([]common.EntityEdge, 0, len(edges))
	for _, edge := range edges {
		if _, ok := seen[edge.ID]; ok {
			continue
		}
		seen[edge.ID] = struct{}{}
		out = append(out, edge)
	}
	return out
}

// ChunksForEntities returns the chunks each entity is mentioned in, capped
// per entity so one hub entity cannot flood the evidence set.
func (s *GraphDBStore) ChunksForEntities(
	ctx context.Context,
	groupID string,
	entityIDs []string,
	limitPerEntity int,
) ([]common.TextChunk, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	entityIDs = store.DedupeStrings(entityIDs)
	if len(entityIDs) == 0 {
		return nil, nil
	}
	if limitPerEntity <= 0 {
		limitPerEntity = 5
	}

	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT ON (c.id)
		       c.id, c.group_id, c.document_id, c.section_id, c.text, c.metadata
		FROM unnest($2::text[]) AS ent(id)
		CROSS JOIN LATERAL (
			SELECT ch.id, ch.group_id, ch.document_id, ch.section_id, ch.text, ch.metadata
			FROM entity_mentions m
			JOIN chunks ch ON ch.id = m.chunk_id AND ch.group_id = $1
			WHERE m.group_id = $1 AND m.entity_id = ent.id
			LIMIT $3
		) c`,
		groupID, entityIDs, limitPerEntity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.TextChunk, 0)
	for rows.Next() {
		var chunk common.TextChunk
		var meta []byte
		if err := rows.Scan(&chunk.ID, &chunk.GroupID, &chunk.DocumentID, &chunk.SectionID, &chunk.Text, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("chunk %s metadata: %w", chunk.ID, err)
			}
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// EntitiesForChunks returns the entities mentioned in each chunk, keyed by
// chunk id.
func (s *GraphDBStore) EntitiesForChunks(
	ctx context.Context,
	groupID string,
	chunkIDs []string,
) (map[string][]common.Entity, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	chunkIDs = store.DedupeStrings(chunkIDs)
	if len(chunkIDs) == 0 {
		return map[string][]common.Entity{}, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT m.chunk_id, e.id, e.group_id, e.name, e.aliases, e.type, e.description, e.importance
		FROM entity_mentions m
		JOIN entities e ON e.id = m.entity_id AND e.group_id = $1
		WHERE m.group_id = $1 AND m.chunk_id = ANY($2)`,
		groupID, chunkIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]common.Entity)
	for rows.Next() {
		var chunkID string
		var ent common.Entity
		if err := rows.Scan(&chunkID, &ent.ID, &ent.GroupID, &ent.Name, &ent.Aliases, &ent.Type, &ent.Description, &ent.Importance); err != nil {
			return nil, err
		}
		out[chunkID] = append(out[chunkID], ent)
	}
	return out, rows.Err()
}

// EntitiesByID fetches entities by id within the group.
func (s *GraphDBStore) EntitiesByID(
	ctx context.Context,
	groupID string,
	ids []string,
) ([]common.Entity, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, name, aliases, type, description, importance
		FROM entities
		WHERE group_id = $1 AND id = ANY($2)`,
		groupID, ids,
	)
	if err != nil {
		return nil, err
	}
	scored, err := scanEntityRows(rows, false)
	if err != nil {
		return nil, err
	}
	out := make([]common.Entity, 0, len(scored))
	for _, se := range scored {
		out = append(out, se.Entity)
	}
	return out, nil
}
