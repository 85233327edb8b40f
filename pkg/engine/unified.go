package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oriel-ai/trellis/internal/util"
	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// unifiedRoute resolves three seed tiers concurrently, folds them into one
// weighted teleportation vector and runs a single PPR pass. Sentence search
// runs in parallel with seed resolution, not after it. A slow or failing
// tier degrades to partial seeds under the per-stage timeout; the route
// answers with whatever seeds survived.
func (e *Engine) unifiedRoute(ctx context.Context, req common.QueryRequest) (*evidence, error) {
	var (
		mu        sync.Mutex
		tier1     []common.Entity
		tier2     []common.Entity
		tier3     []common.Entity
		sentences []common.ScoredSentence
		semantic  []common.ScoredChunk
		lexical   []common.ScoredChunk
		partial   bool
	)

	markPartial := func(stage string, err error) {
		logger.Warn("[Engine] Unified stage degraded", "stage", stage, "error", err)
		mu.Lock()
		partial = true
		mu.Unlock()
	}

	// The query embedding feeds three stages; compute it once up front.
	embedding, embErr := util.RetryWithContext(ctx, 2, func(ctx context.Context) ([]float32, error) {
		return e.aiClient.GenerateEmbedding(ctx, []byte(req.Query))
	})
	if embErr != nil {
		markPartial("query_embedding", embErr)
	}

	eg := errgroup.Group{}

	// Tier 1: entities the query names explicitly.
	eg.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
		defer cancel()

		var ner nerResult
		err := e.aiClient.GenerateCompletionWithFormat(
			sctx,
			"query_entities",
			"Named entities and keywords mentioned in a user query",
			fmt.Sprintf(ai.NERPrompt, req.Query),
			&ner,
			ai.WithTemperature(0),
		)
		if err != nil {
			markPartial("tier1_ner", err)
			return nil
		}
		if len(ner.Entities) == 0 {
			return nil
		}
		matched, err := e.store.MatchEntitiesByName(sctx, req.GroupID, ner.Entities)
		if err != nil {
			markPartial("tier1_match", err)
			return nil
		}
		if len(matched) == 0 {
			matched, err = e.store.KeywordMatchEntities(sctx, req.GroupID, ner.Entities, e.config.HubCount)
			if err != nil {
				markPartial("tier1_fuzzy", err)
				return nil
			}
		}
		mu.Lock()
		tier1 = matched
		mu.Unlock()
		return nil
	})

	// Tier 2: structural seeds from chunk-level matches.
	eg.Go(func() error {
		if embErr != nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
		defer cancel()

		scored, err := e.store.SearchChunksByEmbedding(sctx, req.GroupID, embedding, e.config.TopK)
		if err != nil {
			markPartial("tier2_chunks", err)
			return nil
		}
		mu.Lock()
		semantic = scored
		mu.Unlock()

		owners, err := e.store.EntitiesForChunks(sctx, req.GroupID, scoredChunkIDs(scored))
		if err != nil {
			markPartial("tier2_entities", err)
			return nil
		}
		seen := make(map[string]struct{})
		var ents []common.Entity
		for _, list := range owners {
			for _, ent := range list {
				if _, ok := seen[ent.ID]; ok {
					continue
				}
				seen[ent.ID] = struct{}{}
				ents = append(ents, ent)
			}
		}
		mu.Lock()
		tier2 = ents
		mu.Unlock()
		return nil
	})

	// Tier 3: thematic community seeds.
	eg.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
		defer cancel()

		community, err := e.matchCommunity(sctx, req.GroupID, req.Query, e.config.CommunitySize)
		if err != nil {
			markPartial("tier3_community", err)
			return nil
		}
		mu.Lock()
		tier3 = community.Entities
		mu.Unlock()
		return nil
	})

	// Sentence search, concurrent with seed resolution.
	eg.Go(func() error {
		if embErr != nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
		defer cancel()

		scored, err := e.store.SearchSentencesByEmbedding(sctx, req.GroupID, embedding, e.config.OversampleTopK)
		if err != nil {
			markPartial("sentence_search", err)
			return nil
		}
		mu.Lock()
		sentences = scored
		mu.Unlock()
		return nil
	})

	// Lexical chunk search for the final fusion.
	eg.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
		defer cancel()

		scored, err := e.store.SearchChunksByKeyword(sctx, req.GroupID, req.Query, e.config.OversampleTopK)
		if err != nil {
			markPartial("keyword_search", err)
			return nil
		}
		mu.Lock()
		lexical = scored
		mu.Unlock()
		return nil
	})

	_ = eg.Wait()

	teleport := buildTeleport(e.config.Profile, tier1, tier2, tier3)

	pprNodes := 0
	var pprChunks []common.ScoredChunk
	if len(teleport) > 0 {
		ppr, err := personalizedPageRank(ctx, e.store, req.GroupID, teleport, e.config.PPR)
		if err != nil {
			markPartial("ppr", err)
		} else {
			pprNodes = ppr.NodeCount
			pprChunks, err = e.chunksForPPR(ctx, req.GroupID, ppr)
			if err != nil {
				markPartial("ppr_chunks", err)
			}
		}
	}

	sentenceChunks, err := e.sentenceChunkVotes(ctx, req.GroupID, sentences)
	if err != nil {
		markPartial("sentence_chunks", err)
	}

	fused := fuseRRF(semantic, lexical, sentenceChunks, pprChunks)
	fused = e.rerank(ctx, req.Query, fused)
	fused = denoise(fused, e.config.DenoiseThreshold)
	fused = diversify(fused, e.config.MaxPerDocument, e.config.MaxPerSection, e.config.TopK)

	return &evidence{
		chunks: fused,
		tierSeedCounts: map[string]int{
			"entity":     len(tier1),
			"structural": len(tier2),
			"community":  len(tier3),
		},
		pprNodeCount: pprNodes,
		partial:      partial,
	}, nil
}

// buildTeleport folds the three seed tiers into one teleportation vector.
// Each tier's profile weight is split evenly across its seeds; an entity
// seeded by several tiers accumulates their mass.
func buildTeleport(profile WeightProfile, tier1, tier2, tier3 []common.Entity) teleportVector {
	teleport := make(teleportVector)
	addTier := func(weight float64, ents []common.Entity) {
		if weight <= 0 || len(ents) == 0 {
			return
		}
		per := weight / float64(len(ents))
		for _, ent := range ents {
			teleport[ent.ID] += per
		}
	}
	addTier(profile.Entity, tier1)
	addTier(profile.Structural, tier2)
	addTier(profile.Community, tier3)
	return teleport
}

// sentenceChunkVotes lifts sentence hits to their parent chunks, keeping the
// best sentence score per chunk.
func (e *Engine) sentenceChunkVotes(ctx context.Context, groupID string, sentences []common.ScoredSentence) ([]common.ScoredChunk, error) {
	if len(sentences) == 0 {
		return nil, nil
	}

	best := make(map[string]float64, len(sentences))
	order := make([]string, 0, len(sentences))
	for _, ss := range sentences {
		if _, ok := best[ss.Sentence.ChunkID]; !ok {
			order = append(order, ss.Sentence.ChunkID)
		}
		if ss.Score > best[ss.Sentence.ChunkID] {
			best[ss.Sentence.ChunkID] = ss.Score
		}
	}

	chunks, err := e.store.ChunksByID(ctx, groupID, order)
	if err != nil {
		return nil, err
	}

	out := make([]common.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, common.ScoredChunk{Chunk: chunk, Score: best[chunk.ID]})
	}
	return out, nil
}

// rerank reorders fused evidence with the external reranker when one is
// configured; otherwise fusion order stands.
func (e *Engine) rerank(ctx context.Context, query string, ranked []common.ScoredChunk) []common.ScoredChunk {
	if e.reranker == nil || len(ranked) == 0 {
		return ranked
	}

	texts := make([]string, len(ranked))
	for i, sc := range ranked {
		texts[i] = sc.Chunk.Text
	}
	scores, err := e.reranker.Rerank(ctx, query, texts)
	if err != nil || len(scores) != len(ranked) {
		logger.Warn("[Engine] Rerank degraded to fusion order", "error", err)
		return ranked
	}

	out := make([]common.ScoredChunk, len(ranked))
	for i, sc := range ranked {
		out[i] = common.ScoredChunk{Chunk: sc.Chunk, Score: scores[i]}
	}
	return mergeScored(out)
}

func scoredChunkIDs(list []common.ScoredChunk) []string {
	out := make([]string, 0, len(list))
	for _, sc := range list {
		out = append(out, sc.Chunk.ID)
	}
	return out
}
