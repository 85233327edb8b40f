package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
)

type routeDecision struct {
	Route     string `json:"route"`
	Reasoning string `json:"reasoning"`
}

// route selects the retrieval route for one request. A caller-forced mode
// always wins; otherwise an LLM classification runs with a heuristic
// fallback, and the reasoning travels with the response metadata.
func (e *Engine) route(ctx context.Context, req common.QueryRequest) (common.QueryMode, string) {
	if req.Mode != "" && req.Mode != common.ModeAuto {
		return req.Mode, "caller-forced route"
	}

	var decision routeDecision
	err := e.aiClient.GenerateCompletionWithFormat(
		ctx,
		"route_decision",
		"Retrieval route classification for a user query",
		fmt.Sprintf(ai.RouterPrompt, req.Query),
		&decision,
		ai.WithTemperature(0),
	)
	if err == nil {
		if mode, ok := parseRoute(decision.Route); ok {
			return mode, decision.Reasoning
		}
	}
	if err != nil {
		logger.Warn("[Engine] Router classification failed, heuristic fallback", "error", err)
	}

	mode, why := heuristicRoute(req.Query)
	return mode, why
}

func parseRoute(s string) (common.QueryMode, bool) {
	switch common.QueryMode(strings.ToLower(strings.TrimSpace(s))) {
	case common.ModeVector:
		return common.ModeVector, true
	case common.ModeLocal:
		return common.ModeLocal, true
	case common.ModeGlobal:
		return common.ModeGlobal, true
	case common.ModeDrift:
		return common.ModeDrift, true
	case common.ModeUnified:
		return common.ModeUnified, true
	}
	return "", false
}

// heuristicRoute is the deterministic fallback when no LLM decision is
// available. It keys on surface markers; ambiguous queries go to the unified
// route, which tolerates any query shape.
func heuristicRoute(query string) (common.QueryMode, string) {
	q := strings.ToLower(query)

	if strings.Contains(q, `"`) || strings.Contains(q, "exact") || strings.Contains(q, "quote") ||
		strings.Contains(q, "verbatim") {
		return common.ModeVector, "query asks for exact wording"
	}

	crossEntity := []string{"affect", "relate", "relationship between", "impact of", "influence", "depend"}
	for _, marker := range crossEntity {
		if strings.Contains(q, marker) {
			return common.ModeDrift, "query asks how entities relate"
		}
	}

	thematic := []string{"summarize", "summary", "overview", "themes", "compare", "across", "all documents", "overall"}
	for _, marker := range thematic {
		if strings.Contains(q, marker) {
			return common.ModeGlobal, "query spans the whole corpus"
		}
	}

	entity := []string{"who is", "what is", "tell me about", "describe", "explain"}
	for _, marker := range entity {
		if strings.Contains(q, marker) {
			return common.ModeLocal, "query targets a single entity"
		}
	}

	return common.ModeUnified, "ambiguous query, unified default"
}
