package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/oriel-ai/trellis/pkg/common"
)

func scanChunkRows(rows pgxv5.Rows) ([]common.ScoredChunk, error) {
	defer rows.Close()
	out := make([]common.ScoredChunk, 0)
	for rows.Next() {
		var chunk common.TextChunk
		var meta []byte
		var score float64
		if err := rows.Scan(
			&chunk.ID, &chunk.GroupID, &chunk.DocumentID, &chunk.SectionID,
			&chunk.Text, &meta, &score,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("chunk %s metadata: %w", chunk.ID, err)
			}
		}
		out = append(out, common.ScoredChunk{Chunk: chunk, Score: score})
	}
	return out, rows.Err()
}

// SearchChunksByEmbedding runs cosine similarity over the global chunk index.
// The inner query scans the index without a tenant predicate and oversamples;
// the outer query applies the group filter and truncates to topK.
func (s *GraphDBStore) SearchChunksByEmbedding(
	ctx context.Context,
	groupID string,
	vector []float32,
	topK int,
) ([]common.ScoredChunk, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.conn.Query(ctx, `
		SELECT c.id, c.group_id, c.document_id, c.section_id, c.text, c.metadata,
		       1 - c.distance AS score
		FROM (
			SELECT id, group_id, document_id, section_id, text, metadata,
			       embedding <=> $1 AS distance
			FROM chunks
			WHERE embedding IS NOT NULL
			ORDER BY embedding <=> $1
			LIMIT $2
		) c
		WHERE c.group_id = $3
		ORDER BY c.distance
		LIMIT $4`,
		pgvector.NewVector(vector), oversample(topK), groupID, topK,
	)
	if err != nil {
		return nil, err
	}
	return scanChunkRows(rows)
}

// SearchChunksByKeyword ranks chunks with Postgres full-text search.
func (s *GraphDBStore) SearchChunksByKeyword(
	ctx context.Context,
	groupID string,
	query string,
	topK int,
) ([]common.ScoredChunk, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, document_id, section_id, text, metadata,
		       ts_rank(text_search, websearch_to_tsquery('simple', $2)) AS score
		FROM chunks
		WHERE group_id = $1
		  AND text_search @@ websearch_to_tsquery('simple', $2)
		ORDER BY score DESC
		LIMIT $3`,
		groupID, query, topK,
	)
	if err != nil {
		return nil, err
	}
	return scanChunkRows(rows)
}

func scanEntityRows(rows pgxv5.Rows, withScore bool) ([]common.ScoredEntity, error) {
	defer rows.Close()
	out := make([]common.ScoredEntity, 0)
	for rows.Next() {
		var ent common.Entity
		var score float64
		dest := []any{
			&ent.ID, &ent.GroupID, &ent.Name, &ent.Aliases,
			&ent.Type, &ent.Description, &ent.Importance,
		}
		if withScore {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, common.ScoredEntity{Entity: ent, Score: score})
	}
	return out, rows.Err()
}

// SearchEntitiesByEmbedding runs cosine similarity over the global entity
// index with the same oversample-then-filter contract as chunk search.
func (s *GraphDBStore) SearchEntitiesByEmbedding(
	ctx context.Context,
	groupID string,
	vector []float32,
	topK int,
) ([]common.ScoredEntity, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.conn.Query(ctx, `
		SELECT e.id, e.group_id, e.name, e.aliases, e.type, e.description, e.importance,
		       1 - e.distance AS score
		FROM (
			SELECT id, group_id, name, aliases, type, description, importance,
			       embedding <=> $1 AS distance
			FROM entities
			WHERE embedding IS NOT NULL
			ORDER BY embedding <=> $1
			LIMIT $2
		) e
		WHERE e.group_id = $3
		ORDER BY e.distance
		LIMIT $4`,
		pgvector.NewVector(vector), oversample(topK), groupID, topK,
	)
	if err != nil {
		return nil, err
	}
	return scanEntityRows(rows, true)
}

// SearchSentencesByEmbedding runs cosine similarity over the sentence index.
func (s *GraphDBStore) SearchSentencesByEmbedding(
	ctx context.Context,
	groupID string,
	vector []float32,
	topK int,
) ([]common.ScoredSentence, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.group_id, s.chunk_id, s.ordinal, s.text,
		       1 - s.distance AS score
		FROM (
			SELECT id, group_id, chunk_id, ordinal, text,
			       embedding <=> $1 AS distance
			FROM sentences
			WHERE embedding IS NOT NULL
			ORDER BY embedding <=> $1
			LIMIT $2
		) s
		WHERE s.group_id = $3
		ORDER BY s.distance
		LIMIT $4`,
		pgvector.NewVector(vector), oversample(topK), groupID, topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.ScoredSentence, 0)
	for rows.Next() {
		var sent common.Sentence
		var score float64
		if err := rows.Scan(&sent.ID, &sent.GroupID, &sent.ChunkID, &sent.Ordinal, &sent.Text, &score); err != nil {
			return nil, err
		}
		out = append(out, common.ScoredSentence{Sentence: sent, Score: score})
	}
	return out, rows.Err()
}

// SearchRaptorByEmbedding runs cosine similarity over the summary tree index.
func (s *GraphDBStore) SearchRaptorByEmbedding(
	ctx context.Context,
	groupID string,
	vector []float32,
	topK int,
) ([]common.ScoredRaptorNode, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.group_id, r.parent_id, r.level, r.summary, r.chunk_ids,
		       1 - r.distance AS score
		FROM (
			SELECT id, group_id, COALESCE(parent_id, '') AS parent_id, level, summary, chunk_ids,
			       embedding <=> $1 AS distance
			FROM raptor_nodes
			WHERE embedding IS NOT NULL
			ORDER BY embedding <=> $1
			LIMIT $2
		) r
		WHERE r.group_id = $3
		ORDER BY r.distance
		LIMIT $4`,
		pgvector.NewVector(vector), oversample(topK), groupID, topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.ScoredRaptorNode, 0)
	for rows.Next() {
		var node common.RaptorNode
		var score float64
		if err := rows.Scan(&node.ID, &node.GroupID, &node.ParentID, &node.Level,
			&node.Summary, &node.ChunkIDs, &score); err != nil {
			return nil, err
		}
		out = append(out, common.ScoredRaptorNode{Node: node, Score: score})
	}
	return out, rows.Err()
}

// KeywordMatchEntities is the fallback entity discovery path when embedding
// search is unavailable: case-insensitive matching over name, aliases and
// description.
func (s *GraphDBStore) KeywordMatchEntities(
	ctx context.Context,
	groupID string,
	terms []string,
	topK int,
) ([]common.Entity, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	patterns := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		patterns = append(patterns, "%"+strings.ToLower(term)+"%")
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, name, aliases, type, description, importance
		FROM entities
		WHERE group_id = $1
		  AND (
			LOWER(name) LIKE ANY($2)
			OR LOWER(description) LIKE ANY($2)
			OR EXISTS (
				SELECT 1 FROM unnest(aliases) a
				WHERE LOWER(a) LIKE ANY($2)
			)
		  )
		ORDER BY importance DESC
		LIMIT $3`,
		groupID, patterns, topK,
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

// MatchEntitiesByName resolves entities by exact name or alias, case-insensitive.
func (s *GraphDBStore) MatchEntitiesByName(
	ctx context.Context,
	groupID string,
	names []string,
) ([]common.Entity, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		lowered = append(lowered, strings.ToLower(name))
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, name, aliases, type, description, importance
		FROM entities
		WHERE group_id = $1
		  AND (
			LOWER(name) = ANY($2)
			OR EXISTS (
				SELECT 1 FROM unnest(aliases) a
				WHERE LOWER(a) = ANY($2)
			)
		  )
		ORDER BY importance DESC`,
		groupID, lowered,
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
