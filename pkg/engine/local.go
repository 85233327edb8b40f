package engine

import (
	"context"
	"fmt"

	"github.com/oriel-ai/trellis/internal/util"
	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

type nerResult struct {
	Entities []string `json:"entities"`
	Keywords []string `json:"keywords"`
}

// localRoute answers entity-focused queries: seed entities matched to the
// query, one RELATED_TO hop, then the chunks those entities are mentioned in,
// selected with section diversity.
func (e *Engine) localRoute(ctx context.Context, req common.QueryRequest) (*evidence, error) {
	seeds, partial := e.resolveEntitySeeds(ctx, req.GroupID, req.Query)
	if len(seeds) == 0 {
		// No entity anchor: degrade to pure hybrid retrieval so the query
		// still gets an answer surface.
		ev, err := e.vectorRoute(ctx, req)
		if err != nil {
			return nil, err
		}
		ev.partial = true
		return ev, nil
	}

	seedIDs := make([]string, 0, len(seeds))
	for _, ent := range seeds {
		seedIDs = append(seedIDs, ent.ID)
	}

	edges, err := e.store.ExpandNeighbors(ctx, req.GroupID, seedIDs, 1, e.config.PPR.PerNeighborLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to expand entity neighborhood: %w", err)
	}

	contextIDs := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		contextIDs[id] = struct{}{}
	}
	for _, edge := range edges {
		contextIDs[edge.SourceID] = struct{}{}
		contextIDs[edge.TargetID] = struct{}{}
	}
	allIDs := make([]string, 0, len(contextIDs))
	for id := range contextIDs {
		allIDs = append(allIDs, id)
	}

	chunks, err := e.store.ChunksForEntities(ctx, req.GroupID, allIDs, e.config.MaxPerSection+1)
	if err != nil {
		return nil, fmt.Errorf("failed to load mention chunks: %w", err)
	}

	// Score mention chunks by seed proximity: direct seed mentions outrank
	// one-hop mentions, then fuse with a semantic pass over the same query so
	// wording still matters.
	seedSet := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		seedSet[id] = struct{}{}
	}
	mentionOwners, err := e.store.EntitiesForChunks(ctx, req.GroupID, chunkIDs(chunks))
	if err != nil {
		return nil, err
	}

	graphScored := make([]common.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := 0.5
		for _, owner := range mentionOwners[chunk.ID] {
			if _, ok := seedSet[owner.ID]; ok {
				score = 1.0
				break
			}
		}
		graphScored = append(graphScored, common.ScoredChunk{Chunk: chunk, Score: score})
	}

	semantic, _, semPartial := e.hybridSearch(ctx, req.GroupID, req.Query, e.config.OversampleTopK)

	fused := fuseRRF(graphScored, semantic)
	fused = diversify(fused, e.config.MaxPerDocument, e.config.MaxPerSection, e.config.TopK)

	return &evidence{
		chunks:         fused,
		tierSeedCounts: map[string]int{"entity": len(seeds)},
		partial:        partial || semPartial,
	}, nil
}

// resolveEntitySeeds matches query entities against the graph: NER names via
// alias-aware exact match first, then embedding similarity, then keyword
// probing as the last resort. Failures shrink the seed set instead of
// aborting.
func (e *Engine) resolveEntitySeeds(ctx context.Context, groupID, query string) ([]common.Entity, bool) {
	partial := false

	var ner nerResult
	err := e.aiClient.GenerateCompletionWithFormat(
		ctx,
		"query_entities",
		"Named entities and keywords mentioned in a user query",
		fmt.Sprintf(ai.NERPrompt, query),
		&ner,
		ai.WithTemperature(0),
	)
	if err != nil {
		logger.Warn("[Engine] Query NER failed", "error", err)
		partial = true
		ner.Keywords = contentTerms(query)
	}

	seen := make(map[string]struct{})
	var seeds []common.Entity
	add := func(ents []common.Entity) {
		for _, ent := range ents {
			if _, ok := seen[ent.ID]; ok {
				continue
			}
			seen[ent.ID] = struct{}{}
			seeds = append(seeds, ent)
		}
	}

	if len(ner.Entities) > 0 {
		exact, err := e.store.MatchEntitiesByName(ctx, groupID, ner.Entities)
		if err == nil {
			add(exact)
		} else {
			partial = true
		}
	}

	embedding, err := util.RetryWithContext(ctx, 2, func(ctx context.Context) ([]float32, error) {
		return e.aiClient.GenerateEmbedding(ctx, []byte(query))
	})
	if err == nil {
		scored, searchErr := e.store.SearchEntitiesByEmbedding(ctx, groupID, embedding, e.config.HubCount)
		if searchErr == nil {
			ents := make([]common.Entity, 0, len(scored))
			for _, se := range scored {
				ents = append(ents, se.Entity)
			}
			add(ents)
		} else {
			partial = true
		}
	} else {
		partial = true
	}

	if len(seeds) == 0 && len(ner.Keywords) > 0 {
		fuzzy, err := e.store.KeywordMatchEntities(ctx, groupID, ner.Keywords, e.config.HubCount)
		if err == nil {
			add(fuzzy)
		} else {
			partial = true
		}
	}

	return seeds, partial
}
