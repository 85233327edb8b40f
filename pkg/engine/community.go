package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/oriel-ai/trellis/internal/util"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
	"github.com/oriel-ai/trellis/pkg/store"
)

// matchCommunity discovers the query-time entity cluster for one query:
// embed the query, search the entity index, fall back to keyword matching
// when the embedding call fails, then round-robin across source documents so
// one entity-dense document cannot monopolize the hub set.
//
// An empty community is a valid degraded result; callers fall back to pure
// chunk retrieval.
func (e *Engine) matchCommunity(
	ctx context.Context,
	groupID string,
	query string,
	targetCount int,
) (common.Community, error) {
	if groupID == "" {
		return common.Community{}, store.ErrMissingGroup
	}
	if targetCount <= 0 {
		targetCount = e.config.CommunitySize
	}

	candidates, err := e.communityCandidates(ctx, groupID, query, targetCount)
	if err != nil {
		return common.Community{}, err
	}
	if len(candidates) == 0 {
		return common.Community{Entities: nil}, nil
	}

	diversified, err := e.roundRobinByDocument(ctx, groupID, candidates, targetCount)
	if err != nil {
		// Document attribution is a diversification aid, not a correctness
		// requirement; keep the ranked candidates on failure.
		logger.Debug("[Engine] Community diversification skipped", "error", err)
		if len(candidates) > targetCount {
			candidates = candidates[:targetCount]
		}
		diversified = candidates
	}

	return common.Community{Entities: diversified}, nil
}

func (e *Engine) communityCandidates(
	ctx context.Context,
	groupID string,
	query string,
	targetCount int,
) ([]common.Entity, error) {
	oversample := targetCount * 2

	embedding, err := util.RetryWithContext(ctx, 2, func(ctx context.Context) ([]float32, error) {
		return e.aiClient.GenerateEmbedding(ctx, []byte(query))
	})
	if err == nil {
		scored, searchErr := e.store.SearchEntitiesByEmbedding(ctx, groupID, embedding, oversample)
		if searchErr != nil {
			return nil, searchErr
		}
		out := make([]common.Entity, 0, len(scored))
		for _, se := range scored {
			out = append(out, se.Entity)
		}
		return out, nil
	}

	// Embedding gateway down: degrade to lexical matching over entity
	// names, aliases and descriptions.
	logger.Warn("[Engine] Query embedding failed, keyword fallback", "error", err)
	terms := contentTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	return e.store.KeywordMatchEntities(ctx, groupID, terms, oversample)
}

// roundRobinByDocument reorders candidates so consecutive picks come from
// distinct source documents wherever possible.
func (e *Engine) roundRobinByDocument(
	ctx context.Context,
	groupID string,
	candidates []common.Entity,
	targetCount int,
) ([]common.Entity, error) {
	ids := make([]string, 0, len(candidates))
	for _, ent := range candidates {
		ids = append(ids, ent.ID)
	}

	chunks, err := e.store.ChunksForEntities(ctx, groupID, ids, 1)
	if err != nil {
		return nil, err
	}

	docByEntity := make(map[string]string, len(candidates))
	entityIdx := make(map[string]int, len(candidates))
	for i, ent := range candidates {
		entityIdx[ent.ID] = i
	}

	mentions, err := e.store.EntitiesForChunks(ctx, groupID, chunkIDs(chunks))
	if err != nil {
		return nil, err
	}
	chunkDocs := make(map[string]string, len(chunks))
	for _, chunk := range chunks {
		chunkDocs[chunk.ID] = chunk.DocumentID
	}
	for chunkID, ents := range mentions {
		for _, ent := range ents {
			if _, ok := entityIdx[ent.ID]; ok {
				if _, assigned := docByEntity[ent.ID]; !assigned {
					docByEntity[ent.ID] = chunkDocs[chunkID]
				}
			}
		}
	}

	// Bucket candidates per document in ranked order, then interleave.
	buckets := make(map[string][]common.Entity)
	var docOrder []string
	for _, ent := range candidates {
		doc := docByEntity[ent.ID]
		if _, ok := buckets[doc]; !ok {
			docOrder = append(docOrder, doc)
		}
		buckets[doc] = append(buckets[doc], ent)
	}
	sort.SliceStable(docOrder, func(i, j int) bool {
		return entityIdx[buckets[docOrder[i]][0].ID] < entityIdx[buckets[docOrder[j]][0].ID]
	})

	out := make([]common.Entity, 0, targetCount)
	for round := 0; len(out) < targetCount; round++ {
		picked := false
		for _, doc := range docOrder {
			bucket := buckets[doc]
			if round >= len(bucket) {
				continue
			}
			out = append(out, bucket[round])
			picked = true
			if len(out) >= targetCount {
				break
			}
		}
		if !picked {
			break
		}
	}
	return out, nil
}

func chunkIDs(chunks []common.TextChunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ID)
	}
	return out
}

// contentTerms extracts lexical probe terms from a query, dropping short
// stop-like tokens.
func contentTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var out []string
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if len([]rune(f)) < 3 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
