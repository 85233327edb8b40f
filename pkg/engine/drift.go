package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

type decomposition struct {
	SubQuestions []string `json:"sub_questions"`
}

// driftRoute handles multi-hop questions: decompose into sub-questions, trace
// each one independently through the local route, then merge the evidence
// with a fresh diversification pass so the same clause is not re-selected for
// every sub-answer.
func (e *Engine) driftRoute(ctx context.Context, req common.QueryRequest) (*evidence, error) {
	subs := e.decompose(ctx, req.Query)

	logger.Info("[Engine] Multi-hop decomposition", "sub_questions", len(subs))

	results := make([]*evidence, len(subs))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(2)
	for i, sub := range subs {
		idx, q := i, sub
		eg.Go(func() error {
			subReq := common.QueryRequest{Query: q, GroupID: req.GroupID}
			ev, err := e.localRoute(ectx, subReq)
			if err != nil {
				return fmt.Errorf("sub-question %d failed: %w", idx+1, err)
			}
			results[idx] = ev
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	partial := false
	seedCount := 0
	lists := make([][]common.ScoredChunk, 0, len(results))
	for _, ev := range results {
		lists = append(lists, ev.chunks)
		partial = partial || ev.partial
		seedCount += ev.tierSeedCounts["entity"]
	}

	// Merged evidence is re-diversified across the union: per-sub-question
	// caps no longer hold once lists combine.
	merged := mergeScored(lists...)
	merged = diversify(merged, e.config.MaxPerDocument, e.config.MaxPerSection, e.config.TopK)

	return &evidence{
		chunks:         merged,
		tierSeedCounts: map[string]int{"entity": seedCount, "sub_questions": len(subs)},
		partial:        partial,
	}, nil
}

// decompose splits a multi-hop question into self-contained sub-questions.
// Any failure falls back to the original question as the single sub-question.
func (e *Engine) decompose(ctx context.Context, query string) []string {
	var result decomposition
	err := e.aiClient.GenerateCompletionWithFormat(
		ctx,
		"decomposition",
		"Multi-hop question decomposition for retrieval",
		fmt.Sprintf(ai.DecomposePrompt, query, e.config.MaxSubQuestions),
		&result,
		ai.WithTemperature(0),
	)
	if err != nil {
		logger.Warn("[Engine] Decomposition failed, tracing the question as-is", "error", err)
		return []string{query}
	}

	var subs []string
	for _, sub := range result.SubQuestions {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		subs = append(subs, sub)
		if len(subs) >= e.config.MaxSubQuestions {
			break
		}
	}
	if len(subs) == 0 {
		return []string{query}
	}
	return subs
}
