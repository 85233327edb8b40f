package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

// SectionsByID fetches sections by id within the group.
func (s *GraphDBStore) SectionsByID(
	ctx context.Context,
	groupID string,
	ids []string,
) ([]common.Section, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, document_id, COALESCE(parent_id, ''), path_key, title, depth
		FROM sections
		WHERE group_id = $1 AND id = ANY($2)`,
		groupID, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Section, 0)
	for rows.Next() {
		var sec common.Section
		if err := rows.Scan(&sec.ID, &sec.GroupID, &sec.DocumentID, &sec.ParentID, &sec.PathKey, &sec.Title, &sec.Depth); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func scanDocumentRows(rows pgxv5.Rows) ([]common.Document, error) {
	defer rows.Close()
	out := make([]common.Document, 0)
	for rows.Next() {
		var doc common.Document
		if err := rows.Scan(&doc.ID, &doc.GroupID, &doc.Title, &doc.Language); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DocumentsForGroup lists every document in the group.
func (s *GraphDBStore) DocumentsForGroup(ctx context.Context, groupID string) ([]common.Document, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, title, language
		FROM documents
		WHERE group_id = $1
		ORDER BY title`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	return scanDocumentRows(rows)
}

// DocumentsByID fetches documents by id within the group.
func (s *GraphDBStore) DocumentsByID(ctx context.Context, groupID string, ids []string) ([]common.Document, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, title, language
		FROM documents
		WHERE group_id = $1 AND id = ANY($2)`,
		groupID, ids,
	)
	if err != nil {
		return nil, err
	}
	return scanDocumentRows(rows)
}

// ChunksByID fetches chunks by id within the group.
func (s *GraphDBStore) ChunksByID(
	ctx context.Context,
	groupID string,
	ids []string,
) ([]common.TextChunk, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, group_id, document_id, section_id, text, metadata
		FROM chunks
		WHERE group_id = $1 AND id = ANY($2)`,
		groupID, ids,
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

// LeadChunksForDocuments returns the first chunk of each requested document,
// used by the coverage gap fill to guarantee every document contributes at
// least one chunk to a corpus-wide answer.
func (s *GraphDBStore) LeadChunksForDocuments(
	ctx context.Context,
	groupID string,
	docIDs []string,
) ([]common.TextChunk, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
	}
	docIDs = store.DedupeStrings(docIDs)
	if len(docIDs) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT ON (c.document_id)
		       c.id, c.group_id, c.document_id, c.section_id, c.text, c.metadata
		FROM chunks c
		JOIN sections sec ON sec.id = c.section_id AND sec.group_id = $1
		WHERE c.group_id = $1 AND c.document_id = ANY($2)
		ORDER BY c.document_id, sec.depth, sec.path_key, c.id`,
		groupID, docIDs,
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

// OrphanChunkCount reports chunks without a resolvable section. Post-indexing
// the count must be zero.
func (s *GraphDBStore) OrphanChunkCount(ctx context.Context, groupID string) (int, error) {
	if err := requireGroup(groupID); err != nil {
		return 0, err
	}
	var count int
	err := s.conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM chunks c
		LEFT JOIN sections sec ON sec.id = c.section_id AND sec.group_id = $1
		WHERE c.group_id = $1 AND sec.id IS NULL`,
		groupID,
	).Scan(&count)
	return count, err
}

// LookupKeyValues matches stored extraction fields against the given terms.
// This is the deterministic probe behind negative detection: absence here
// plus absence in keyword search means the field truly is not in the corpus.
func (s *GraphDBStore) LookupKeyValues(
	ctx context.Context,
	groupID string,
	terms []string,
) ([]common.KeyValue, error) {
	if err := requireGroup(groupID); err != nil {
		return nil, err
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
		SELECT id, group_id, document_id, section_id, chunk_id, key, value, confidence
		FROM key_values
		WHERE group_id = $1
		  AND (LOWER(key) LIKE ANY($2) OR LOWER(value) LIKE ANY($2))
		ORDER BY confidence DESC`,
		groupID, patterns,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.KeyValue, 0)
	for rows.Next() {
		var kv common.KeyValue
		if err := rows.Scan(&kv.ID, &kv.GroupID, &kv.DocumentID, &kv.SectionID, &kv.ChunkID, &kv.Key, &kv.Value, &kv.Confidence); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}
