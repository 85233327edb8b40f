package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// globalRoute answers corpus-wide thematic queries. The pipeline is community
// matching, hub extraction, graph context, hybrid retrieval as the primary
// chunk source, PPR tracing from the hubs, and a coverage gap fill that
// guarantees every source document contributes at least one chunk.
//
// Fast mode skips the lead-chunk heuristic boost (largely redundant with the
// hybrid fusion step) and runs PPR only when the query names entities
// explicitly. Community matching and graph context always run: they carry
// the citation provenance and multi-document diversity the route exists for.
func (e *Engine) globalRoute(ctx context.Context, req common.QueryRequest) (*evidence, error) {
	community, err := e.matchCommunity(ctx, req.GroupID, req.Query, e.config.CommunitySize)
	if err != nil {
		return nil, err
	}

	hubs := extractHubs(community.Entities, e.config.HubCount)

	graphChunks, err := e.graphContext(ctx, req.GroupID, hubs)
	if err != nil {
		return nil, err
	}

	semantic, lexical, partial := e.hybridSearch(ctx, req.GroupID, req.Query, e.config.OversampleTopK)

	lists := [][]common.ScoredChunk{semantic, lexical, graphChunks}

	if !e.config.FastGlobal {
		leads, err := e.documentLeadChunks(ctx, req.GroupID)
		if err != nil {
			logger.Debug("[Engine] Lead chunk boost skipped", "error", err)
		} else {
			lists = append(lists, leads)
		}

		zoomed, err := e.raptorZoom(ctx, req.GroupID, req.Query)
		if err != nil {
			logger.Debug("[Engine] Summary tree zoom skipped", "error", err)
		} else if len(zoomed) > 0 {
			lists = append(lists, zoomed)
		}
	}

	pprNodes := 0
	runPPR := len(hubs) > 0
	if e.config.FastGlobal && runPPR {
		runPPR = queryMentionsEntities(req.Query, hubs)
	}
	if runPPR {
		teleport := make(teleportVector, len(hubs))
		for _, hub := range hubs {
			w := hub.Importance
			if w <= 0 {
				w = 1
			}
			teleport[hub.ID] = w
		}
		ppr, err := personalizedPageRank(ctx, e.store, req.GroupID, teleport, e.config.PPR)
		if err != nil {
			logger.Warn("[Engine] PPR tracing degraded", "error", err)
			partial = true
		} else {
			pprNodes = ppr.NodeCount
			traced, err := e.chunksForPPR(ctx, req.GroupID, ppr)
			if err == nil {
				lists = append(lists, traced)
			}
		}
	}

	fused := fuseRRF(lists...)
	fused = diversify(fused, e.config.MaxPerDocument, e.config.MaxPerSection, e.config.TopK)

	fused, err = e.fillCoverageGaps(ctx, req.GroupID, fused)
	if err != nil {
		return nil, err
	}

	return &evidence{
		chunks:         fused,
		tierSeedCounts: map[string]int{"community": len(community.Entities), "hub": len(hubs)},
		pprNodeCount:   pprNodes,
		partial:        partial,
	}, nil
}

// extractHubs picks the top entities by combining the community's embedding
// rank with the stored graph importance. Rank is positional, so earlier
// community entries win ties.
func extractHubs(candidates []common.Entity, count int) []common.Entity {
	if len(candidates) == 0 {
		return nil
	}
	type ranked struct {
		entity common.Entity
		score  float64
	}
	list := make([]ranked, 0, len(candidates))
	for i, ent := range candidates {
		embeddingRank := 1.0 / float64(i+1)
		list = append(list, ranked{entity: ent, score: embeddingRank + ent.Importance})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score == list[j].score {
			return list[i].entity.ID < list[j].entity.ID
		}
		return list[i].score > list[j].score
	})
	if count > len(list) {
		count = len(list)
	}
	out := make([]common.Entity, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, list[i].entity)
	}
	return out
}

// graphContext loads the chunks mentioning the hub entities plus a bounded
// one-hop expansion, scored by hub proximity.
func (e *Engine) graphContext(ctx context.Context, groupID string, hubs []common.Entity) ([]common.ScoredChunk, error) {
	if len(hubs) == 0 {
		return nil, nil
	}

	hubIDs := make([]string, 0, len(hubs))
	for _, h := range hubs {
		hubIDs = append(hubIDs, h.ID)
	}

	edges, err := e.store.ExpandNeighbors(ctx, groupID, hubIDs, 1, e.config.PPR.PerNeighborLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to expand hub neighborhood: %w", err)
	}

	ids := make(map[string]float64, len(hubIDs))
	for _, id := range hubIDs {
		ids[id] = 1.0
	}
	for _, edge := range edges {
		if _, ok := ids[edge.SourceID]; !ok {
			ids[edge.SourceID] = 0.5
		}
		if _, ok := ids[edge.TargetID]; !ok {
			ids[edge.TargetID] = 0.5
		}
	}

	all := make([]string, 0, len(ids))
	for id := range ids {
		all = append(all, id)
	}
	chunks, err := e.store.ChunksForEntities(ctx, groupID, all, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to load hub chunks: %w", err)
	}

	owners, err := e.store.EntitiesForChunks(ctx, groupID, chunkIDs(chunks))
	if err != nil {
		return nil, err
	}

	out := make([]common.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := 0.0
		for _, owner := range owners[chunk.ID] {
			if s, ok := ids[owner.ID]; ok && s > score {
				score = s
			}
		}
		if score == 0 {
			score = 0.25
		}
		out = append(out, common.ScoredChunk{Chunk: chunk, Score: score})
	}
	return out, nil
}

// chunksForPPR converts a PPR pass into scored chunks through the MENTIONS
// edges of the highest-ranked entities.
func (e *Engine) chunksForPPR(ctx context.Context, groupID string, ppr *pprResult) ([]common.ScoredChunk, error) {
	top := ppr.topEntities(e.config.HubCount * 2)
	if len(top) == 0 {
		return nil, nil
	}
	chunks, err := e.store.ChunksForEntities(ctx, groupID, top, 2)
	if err != nil {
		return nil, err
	}
	owners, err := e.store.EntitiesForChunks(ctx, groupID, chunkIDs(chunks))
	if err != nil {
		return nil, err
	}

	out := make([]common.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := 0.0
		for _, owner := range owners[chunk.ID] {
			if s, ok := ppr.Scores[owner.ID]; ok && s > score {
				score = s
			}
		}
		out = append(out, common.ScoredChunk{Chunk: chunk, Score: score})
	}
	return out, nil
}

// raptorZoom descends the recursive summary tree: the query is matched
// against summary node embeddings and the source chunks of the best-matching
// summaries enter the evidence pool carrying the summary's score. Summaries
// cover spans no single chunk ranks well for, so this is a thematic recall
// path, not a precision one.
func (e *Engine) raptorZoom(ctx context.Context, groupID, query string) ([]common.ScoredChunk, error) {
	embedding, err := e.aiClient.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.SearchRaptorByEmbedding(ctx, groupID, embedding, e.config.HubCount)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	scoreByChunk := make(map[string]float64)
	var ids []string
	for _, node := range nodes {
		for _, id := range node.Node.ChunkIDs {
			if s, ok := scoreByChunk[id]; !ok || node.Score > s {
				if !ok {
					ids = append(ids, id)
				}
				scoreByChunk[id] = node.Score
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	chunks, err := e.store.ChunksByID(ctx, groupID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]common.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, common.ScoredChunk{Chunk: chunk, Score: scoreByChunk[chunk.ID]})
	}
	return out, nil
}

// documentLeadChunks returns the first chunk of every document in the group,
// weakly scored. Lead chunks orient broad summaries toward document intent.
func (e *Engine) documentLeadChunks(ctx context.Context, groupID string) ([]common.ScoredChunk, error) {
	docs, err := e.store.DocumentsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	docIDs := make([]string, 0, len(docs))
	for _, d := range docs {
		docIDs = append(docIDs, d.ID)
	}
	leads, err := e.store.LeadChunksForDocuments(ctx, groupID, docIDs)
	if err != nil {
		return nil, err
	}
	out := make([]common.ScoredChunk, 0, len(leads))
	for _, chunk := range leads {
		out = append(out, common.ScoredChunk{Chunk: chunk, Score: 0.1})
	}
	return out, nil
}

// fillCoverageGaps appends one lead chunk for every source document absent
// from the evidence set. Thematic answers must reflect the whole corpus even
// when ranking concentrates on a few entity-dense documents.
func (e *Engine) fillCoverageGaps(ctx context.Context, groupID string, selected []common.ScoredChunk) ([]common.ScoredChunk, error) {
	docs, err := e.store.DocumentsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]struct{}, len(selected))
	for _, sc := range selected {
		covered[sc.Chunk.DocumentID] = struct{}{}
	}

	var missing []string
	for _, doc := range docs {
		if _, ok := covered[doc.ID]; !ok {
			missing = append(missing, doc.ID)
		}
	}
	if len(missing) == 0 {
		return selected, nil
	}

	leads, err := e.store.LeadChunksForDocuments(ctx, groupID, missing)
	if err != nil {
		return nil, err
	}
	for _, chunk := range leads {
		selected = append(selected, common.ScoredChunk{Chunk: chunk, Score: 0.01})
	}

	logger.Debug("[Engine] Coverage gap fill", "missing_documents", len(missing), "filled", len(leads))
	return selected, nil
}

// queryMentionsEntities reports whether any hub name or alias appears
// verbatim in the query.
func queryMentionsEntities(query string, hubs []common.Entity) bool {
	q := strings.ToLower(query)
	for _, hub := range hubs {
		if hub.Name != "" && strings.Contains(q, strings.ToLower(hub.Name)) {
			return true
		}
		for _, alias := range hub.Aliases {
			if alias != "" && strings.Contains(q, strings.ToLower(alias)) {
				return true
			}
		}
	}
	return false
}
