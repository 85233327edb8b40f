package pgx

import (
	"context"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
)

// ExtractionCacheGet returns the cached payload for a content hash. The
// cache is tenant-agnostic: identical input text produces identical model
// output, so there is no tenant data to leak.
func (s *GraphDBStore) ExtractionCacheGet(ctx context.Context, contentHash string) ([]byte, bool, error) {
	if contentHash == "" {
		return nil, false, nil
	}
	var payload []byte
	err := s.conn.QueryRow(ctx, `
		SELECT payload FROM extraction_cache WHERE content_hash = $1`,
		contentHash,
	).Scan(&payload)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// ExtractionCachePut stores a payload under its content hash. Last write
// wins; payloads for the same hash are equivalent by construction.
func (s *GraphDBStore) ExtractionCachePut(ctx context.Context, contentHash string, payload []byte) error {
	if contentHash == "" {
		return nil
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO extraction_cache (content_hash, payload)
		VALUES ($1, $2)
		ON CONFLICT (content_hash) DO UPDATE SET payload = EXCLUDED.payload`,
		contentHash, payload,
	)
	return err
}
