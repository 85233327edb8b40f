package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/oriel-ai/trellis/pkg/ai"
	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/logger"
	"github.com/oriel-ai/trellis/pkg/store"
)

// Engine answers natural-language queries over the tenant's document graph.
// It owns the router, the five retrieval routes and the synthesizer; all
// tuning comes from the RouteConfig value it was constructed with.
type Engine struct {
	store    store.GraphStore
	aiClient ai.GatewayClient
	reranker ai.RerankClient
	config   RouteConfig
}

type EngineParams struct {
	Store    store.GraphStore
	AIClient ai.GatewayClient
	Reranker ai.RerankClient
	Config   *RouteConfig
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.AIClient == nil {
		return nil, fmt.Errorf("ai client is required")
	}
	cfg := DefaultRouteConfig()
	if params.Config != nil {
		cfg = *params.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:    params.Store,
		aiClient: params.AIClient,
		reranker: params.Reranker,
		config:   cfg,
	}, nil
}

// evidence is the internal hand-off between a route and the synthesizer.
type evidence struct {
	chunks         []common.ScoredChunk
	tierSeedCounts map[string]int
	pprNodeCount   int
	partial        bool
}

// Query runs the full pipeline for one request: route selection, retrieval,
// synthesis. The caller's timeout bounds the whole route; on expiry the
// deepest stage returns what it has and the response is flagged partial.
func (e *Engine) Query(ctx context.Context, req common.QueryRequest) (*common.QueryResponse, error) {
	if req.GroupID == "" {
		return nil, store.ErrMissingGroup
	}
	if req.Query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	timeout := e.config.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timings := make(map[string]int64)
	started := time.Now()

	route, reasoning := e.route(ctx, req)
	timings["route_ms"] = time.Since(started).Milliseconds()

	logger.Info("[Engine] Query routed",
		"group_id", req.GroupID, "route", route, "forced", req.Mode != "" && req.Mode != common.ModeAuto)

	retrieveStart := time.Now()
	ev, err := e.retrieve(ctx, route, req)
	if err != nil {
		return nil, err
	}
	timings["retrieve_ms"] = time.Since(retrieveStart).Milliseconds()

	synthStart := time.Now()
	resp, err := e.synthesize(ctx, req, ev)
	if err != nil {
		return nil, err
	}
	timings["synthesize_ms"] = time.Since(synthStart).Milliseconds()
	timings["total_ms"] = time.Since(started).Milliseconds()

	resp.RouteUsed = string(route)
	resp.Metadata.RouterReasoning = reasoning
	resp.Metadata.TierSeedCounts = ev.tierSeedCounts
	resp.Metadata.PPRNodeCount = ev.pprNodeCount
	resp.Metadata.Timings = timings
	resp.Metadata.Partial = resp.Metadata.Partial || ev.partial

	return resp, nil
}

func (e *Engine) retrieve(ctx context.Context, route common.QueryMode, req common.QueryRequest) (*evidence, error) {
	switch route {
	case common.ModeVector:
		return e.vectorRoute(ctx, req)
	case common.ModeLocal:
		return e.localRoute(ctx, req)
	case common.ModeGlobal:
		return e.globalRoute(ctx, req)
	case common.ModeDrift:
		return e.driftRoute(ctx, req)
	case common.ModeUnified:
		return e.unifiedRoute(ctx, req)
	default:
		return nil, fmt.Errorf("unknown route %q", route)
	}
}
