package store

import (
	"context"
	"errors"

	"github.com/oriel-ai/trellis/pkg/common"
)

// ErrMissingGroup is returned when a store operation is attempted without a
// tenant group id. This is a request defect, never degraded or retried.
var ErrMissingGroup = errors.New("store: missing group_id")

// GraphStore is the typed property-graph accessor. Every operation is scoped
// to one tenant group; implementations must carry the group filter on every
// node pattern they touch, including intermediate traversal hops. The only
// tenant-agnostic surface is the content-addressed extraction cache.
//
// Writes are idempotent merges keyed by deterministic ids, so concurrent
// upserts of the same node converge without locking.
type GraphStore interface {
	// Indexing writes.
	UpsertDocument(ctx context.Context, doc common.Document) error
	UpsertSections(ctx context.Context, sections []common.Section) error
	UpsertChunks(ctx context.Context, chunks []common.TextChunk) error
	UpsertSentences(ctx context.Context, sentences []common.Sentence) error
	UpsertEntities(ctx context.Context, entities []common.Entity) error
	UpsertEntityEdges(ctx context.Context, edges []common.EntityEdge) error
	UpsertMentions(ctx context.Context, mentions []common.Mention) error
	UpsertRaptorNodes(ctx context.Context, nodes []common.RaptorNode) error
	UpsertKeyValues(ctx context.Context, kvs []common.KeyValue) error

	// UpdateEntityImportance writes back graph-importance scores. Scores are
	// keyed by entity id and the write re-validates group membership so a
	// batch can never touch another tenant's rows.
	UpdateEntityImportance(ctx context.Context, groupID string, scores map[string]float64) error

	// DeleteGroupData cascades a purge of every node and edge kind for one group.
	DeleteGroupData(ctx context.Context, groupID string) error

	// Vector searches query a global index, oversample, then post-filter by
	// group before truncating to topK.
	SearchChunksByEmbedding(ctx context.Context, groupID string, vector []float32, topK int) ([]common.ScoredChunk, error)
	SearchEntitiesByEmbedding(ctx context.Context, groupID string, vector []float32, topK int) ([]common.ScoredEntity, error)
	SearchSentencesByEmbedding(ctx context.Context, groupID string, vector []float32, topK int) ([]common.ScoredSentence, error)
	SearchRaptorByEmbedding(ctx context.Context, groupID string, vector []float32, topK int) ([]common.ScoredRaptorNode, error)

	// Lexical searches.
	SearchChunksByKeyword(ctx context.Context, groupID string, query string, topK int) ([]common.ScoredChunk, error)
	KeywordMatchEntities(ctx context.Context, groupID string, terms []string, topK int) ([]common.Entity, error)
	MatchEntitiesByName(ctx context.Context, groupID string, names []string) ([]common.Entity, error)

	// Graph traversal.
	ExpandNeighbors(ctx context.Context, groupID string, seedIDs []string, hops int, perNeighborLimit int) ([]common.EntityEdge, error)
	ChunksByID(ctx context.Context, groupID string, ids []string) ([]common.TextChunk, error)
	ChunksForEntities(ctx context.Context, groupID string, entityIDs []string, limitPerEntity int) ([]common.TextChunk, error)
	EntitiesForChunks(ctx context.Context, groupID string, chunkIDs []string) (map[string][]common.Entity, error)
	EntitiesByID(ctx context.Context, groupID string, ids []string) ([]common.Entity, error)

	// Structure lookups.
	SectionsByID(ctx context.Context, groupID string, ids []string) ([]common.Section, error)
	DocumentsForGroup(ctx context.Context, groupID string) ([]common.Document, error)
	DocumentsByID(ctx context.Context, groupID string, ids []string) ([]common.Document, error)
	LeadChunksForDocuments(ctx context.Context, groupID string, docIDs []string) ([]common.TextChunk, error)
	OrphanChunkCount(ctx context.Context, groupID string) (int, error)

	// LookupKeyValues is the deterministic negative-detection probe: it
	// matches stored key/value fields against the given terms directly.
	LookupKeyValues(ctx context.Context, groupID string, terms []string) ([]common.KeyValue, error)

	// Extraction cache, keyed by content hash. Shared across tenants: it
	// holds only reusable model output for identical input text, never
	// tenant data.
	ExtractionCacheGet(ctx context.Context, contentHash string) ([]byte, bool, error)
	ExtractionCachePut(ctx context.Context, contentHash string, payload []byte) error
}
