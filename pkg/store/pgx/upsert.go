package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/oriel-ai/trellis/pkg/common"
)

func vectorOrNil(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

func (s *GraphDBStore) runBatch(ctx context.Context, batch *pgxv5.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	results := s.conn.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}

// UpsertDocument merges one document row. Re-running indexing on unchanged
// input converges on the same row because ids are deterministic.
func (s *GraphDBStore) UpsertDocument(ctx context.Context, doc common.Document) error {
	if err := requireGroup(doc.GroupID); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO documents (id, group_id, title, language)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			language = EXCLUDED.language
		WHERE documents.group_id = EXCLUDED.group_id`,
		doc.ID, doc.GroupID, doc.Title, doc.Language,
	)
	return err
}

func (s *GraphDBStore) UpsertSections(ctx context.Context, sections []common.Section) error {
	batch := &pgxv5.Batch{}
	for _, sec := range sections {
		if err := requireGroup(sec.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO sections (id, group_id, document_id, parent_id, path_key, title, depth)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				parent_id = EXCLUDED.parent_id,
				path_key = EXCLUDED.path_key,
				title = EXCLUDED.title,
				depth = EXCLUDED.depth
			WHERE sections.group_id = EXCLUDED.group_id`,
			sec.ID, sec.GroupID, sec.DocumentID, sec.ParentID, sec.PathKey, sec.Title, sec.Depth,
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertChunks(ctx context.Context, chunks []common.TextChunk) error {
	batch := &pgxv5.Batch{}
	for _, chunk := range chunks {
		if err := requireGroup(chunk.GroupID); err != nil {
			return err
		}
		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chunks (id, group_id, document_id, section_id, text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				section_id = EXCLUDED.section_id,
				text = EXCLUDED.text,
				embedding = COALESCE(EXCLUDED.embedding, chunks.embedding),
				metadata = EXCLUDED.metadata
			WHERE chunks.group_id = EXCLUDED.group_id`,
			chunk.ID, chunk.GroupID, chunk.DocumentID, chunk.SectionID,
			chunk.Text, vectorOrNil(chunk.Embedding), meta,
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertSentences(ctx context.Context, sentences []common.Sentence) error {
	batch := &pgxv5.Batch{}
	for _, sent := range sentences {
		if err := requireGroup(sent.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO sentences (id, group_id, chunk_id, ordinal, text, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				text = EXCLUDED.text,
				embedding = COALESCE(EXCLUDED.embedding, sentences.embedding)
			WHERE sentences.group_id = EXCLUDED.group_id`,
			sent.ID, sent.GroupID, sent.ChunkID, sent.Ordinal, sent.Text, vectorOrNil(sent.Embedding),
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertEntities(ctx context.Context, entities []common.Entity) error {
	batch := &pgxv5.Batch{}
	for _, ent := range entities {
		if err := requireGroup(ent.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO entities (id, group_id, name, aliases, type, description, embedding, importance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				aliases = EXCLUDED.aliases,
				type = EXCLUDED.type,
				description = EXCLUDED.description,
				embedding = COALESCE(EXCLUDED.embedding, entities.embedding),
				importance = GREATEST(entities.importance, EXCLUDED.importance)
			WHERE entities.group_id = EXCLUDED.group_id`,
			ent.ID, ent.GroupID, ent.Name, ent.Aliases, ent.Type,
			ent.Description, vectorOrNil(ent.Embedding), ent.Importance,
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertEntityEdges(ctx context.Context, edges []common.EntityEdge) error {
	batch := &pgxv5.Batch{}
	for _, edge := range edges {
		if err := requireGroup(edge.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO entity_edges (id, group_id, source_id, target_id, description, weight)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				description = EXCLUDED.description,
				weight = GREATEST(entity_edges.weight, EXCLUDED.weight)
			WHERE entity_edges.group_id = EXCLUDED.group_id`,
			edge.ID, edge.GroupID, edge.SourceID, edge.TargetID, edge.Description, edge.Weight,
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertMentions(ctx context.Context, mentions []common.Mention) error {
	batch := &pgxv5.Batch{}
	for _, mention := range mentions {
		if err := requireGroup(mention.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO entity_mentions (id, group_id, entity_id, chunk_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			mention.ID, mention.GroupID, mention.EntityID, mention.ChunkID,
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertRaptorNodes(ctx context.Context, nodes []common.RaptorNode) error {
	batch := &pgxv5.Batch{}
	for _, node := range nodes {
		if err := requireGroup(node.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO raptor_nodes (id, group_id, parent_id, level, summary, embedding, chunk_ids)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				parent_id = EXCLUDED.parent_id,
				summary = EXCLUDED.summary,
				embedding = COALESCE(EXCLUDED.embedding, raptor_nodes.embedding),
				chunk_ids = EXCLUDED.chunk_ids
			WHERE raptor_nodes.group_id = EXCLUDED.group_id`,
			node.ID, node.GroupID, node.ParentID, node.Level, node.Summary,
			vectorOrNil(node.Embedding), node.ChunkIDs,
		)
	}
	return s.runBatch(ctx, batch)
}

func (s *GraphDBStore) UpsertKeyValues(ctx context.Context, kvs []common.KeyValue) error {
	batch := &pgxv5.Batch{}
	for _, kv := range kvs {
		if err := requireGroup(kv.GroupID); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO key_values (id, group_id, document_id, section_id, chunk_id, key, value, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				value = EXCLUDED.value,
				confidence = EXCLUDED.confidence
			WHERE key_values.group_id = EXCLUDED.group_id`,
			kv.ID, kv.GroupID, kv.DocumentID, kv.SectionID, kv.ChunkID, kv.Key, kv.Value, kv.Confidence,
		)
	}
	return s.runBatch(ctx, batch)
}

// UpdateEntityImportance writes importance scores back by entity id. The
// group filter on the UPDATE re-validates membership, so a score computed
// for one tenant can never land on another tenant's row.
func (s *GraphDBStore) UpdateEntityImportance(ctx context.Context, groupID string, scores map[string]float64) error {
	if err := requireGroup(groupID); err != nil {
		return err
	}
	batch := &pgxv5.Batch{}
	for id, score := range scores {
		batch.Queue(`
			UPDATE entities SET importance = $3
			WHERE id = $1 AND group_id = $2`,
			id, groupID, score,
		)
	}
	return s.runBatch(ctx, batch)
}
