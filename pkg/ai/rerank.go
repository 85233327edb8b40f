package ai

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// EmbeddingReranker scores candidates by cosine similarity between the query
// embedding and each candidate's embedding, using the same gateway the rest
// of the pipeline runs on.
type EmbeddingReranker struct {
	client      GatewayClient
	concurrency int
}

type NewEmbeddingRerankerParams struct {
	Client GatewayClient
	// Concurrency bounds parallel embedding calls, default 4.
	Concurrency int
}

func NewEmbeddingReranker(params NewEmbeddingRerankerParams) (*EmbeddingReranker, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("gateway client is required")
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &EmbeddingReranker{
		client:      params.Client,
		concurrency: concurrency,
	}, nil
}

func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	queryVec, err := r.client.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("failed to embed rerank query: %w", err)
	}

	scores := make([]float64, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := r.client.GenerateEmbedding(ctx, []byte(text))
			if err != nil {
				return fmt.Errorf("failed to embed rerank candidate: %w", err)
			}
			scores[i] = cosineSimilarity(queryVec, vec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
