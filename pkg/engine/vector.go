package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oriel-ai/trellis/internal/util"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// vectorRoute is the hybrid lexical + dense retrieval route. BM25-style
// keyword ranking and vector similarity run concurrently and merge through
// reciprocal rank fusion; no graph traversal is involved.
func (e *Engine) vectorRoute(ctx context.Context, req common.QueryRequest) (*evidence, error) {
	semantic, lexical, partial := e.hybridSearch(ctx, req.GroupID, req.Query, e.config.OversampleTopK)

	fused := fuseRRF(semantic, lexical)
	fused = diversify(fused, e.config.MaxPerDocument, e.config.MaxPerSection, e.config.TopK)

	return &evidence{chunks: fused, partial: partial}, nil
}

// hybridSearch runs the two chunk retrievals concurrently. Either side may
// fail without aborting the route; a missing side degrades to the other and
// marks the result partial.
func (e *Engine) hybridSearch(
	ctx context.Context,
	groupID string,
	query string,
	topK int,
) (semantic, lexical []common.ScoredChunk, partial bool) {
	var mu sync.Mutex
	eg := errgroup.Group{}

	// Both goroutines may degrade concurrently; the flag is shared.
	degrade := func(side string, err error) {
		logger.Warn("[Engine] "+side+" search degraded", "error", err)
		mu.Lock()
		partial = true
		mu.Unlock()
	}

	eg.Go(func() error {
		embedding, err := util.RetryWithContext(ctx, 2, func(ctx context.Context) ([]float32, error) {
			return e.aiClient.GenerateEmbedding(ctx, []byte(query))
		})
		if err != nil {
			degrade("Semantic", err)
			return nil
		}
		result, err := e.store.SearchChunksByEmbedding(ctx, groupID, embedding, topK)
		if err != nil {
			degrade("Semantic", err)
			return nil
		}
		semantic = result
		return nil
	})

	eg.Go(func() error {
		result, err := e.store.SearchChunksByKeyword(ctx, groupID, query, topK)
		if err != nil {
			degrade("Keyword", err)
			return nil
		}
		lexical = result
		return nil
	})

	_ = eg.Wait()
	return semantic, lexical, partial
}
