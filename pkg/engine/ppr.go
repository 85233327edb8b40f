package engine

import (
	"context"
	"math"
	"sort"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/store"
)

// pprResult holds the ranked output of one personalized PageRank pass.
type pprResult struct {
	Scores     map[string]float64
	NodeCount  int
	Iterations int
	Converged  bool
}

// teleportVector maps entity ids to teleport mass. Masses are normalized
// before the walk, so callers can pass raw tier weights.
type teleportVector map[string]float64

func (t teleportVector) normalize() {
	total := 0.0
	for _, w := range t {
		total += w
	}
	if total <= 0 {
		return
	}
	for id := range t {
		t[id] /= total
	}
}

// personalizedPageRank runs a bounded power iteration over the group's
// RELATED_TO neighborhood around the teleport seeds. The traversal is limited
// by PerSeedLimit seeds and PerNeighborLimit edges per node, keeping the
// in-memory subgraph small regardless of corpus size.
//
// A sink node's mass teleports back to the seeds rather than leaking, which
// keeps the walk personalized even on sparse subgraphs.
func personalizedPageRank(
	ctx context.Context,
	gs store.GraphStore,
	groupID string,
	teleport teleportVector,
	cfg PPRConfig,
) (*pprResult, error) {
	if groupID == "" {
		return nil, store.ErrMissingGroup
	}
	if len(teleport) == 0 {
		return &pprResult{Scores: map[string]float64{}, Converged: true}, nil
	}

	seeds := make([]string, 0, len(teleport))
	for id := range teleport {
		seeds = append(seeds, id)
	}
	sort.Strings(seeds)
	if cfg.PerSeedLimit > 0 && len(seeds) > cfg.PerSeedLimit {
		// Keep the heaviest seeds when over the limit.
		sort.SliceStable(seeds, func(i, j int) bool {
			if teleport[seeds[i]] == teleport[seeds[j]] {
				return seeds[i] < seeds[j]
			}
			return teleport[seeds[i]] > teleport[seeds[j]]
		})
		seeds = seeds[:cfg.PerSeedLimit]
		trimmed := make(teleportVector, len(seeds))
		for _, id := range seeds {
			trimmed[id] = teleport[id]
		}
		teleport = trimmed
	}
	teleport.normalize()

	hops := cfg.Hops
	if hops <= 0 {
		hops = 2
	}
	edges, err := gs.ExpandNeighbors(ctx, groupID, seeds, hops, cfg.PerNeighborLimit)
	if err != nil {
		return nil, err
	}

	graph := buildWalkGraph(seeds, edges)
	n := len(graph.nodes)
	if n == 0 {
		return &pprResult{Scores: map[string]float64{}, Converged: true}, nil
	}

	d := clampDamping(cfg.Damping)
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		// On bipartite subgraphs the iteration oscillates with period two and
		// the error decays as d^n, so the bound must cover d^n < convergence:
		// at d=0.85 and 1e-6 that is ~86 iterations.
		maxIter = 150
	}
	convergence := cfg.Convergence
	if convergence <= 0 {
		convergence = 1e-6
	}

	scores := make(map[string]float64, n)
	next := make(map[string]float64, n)
	for _, id := range graph.nodes {
		scores[id] = teleport[id]
	}

	var iterations int
	var converged bool

	for iter := 0; iter < maxIter; iter++ {
		if ctx.Err() != nil {
			return &pprResult{Scores: scores, NodeCount: n, Iterations: iter}, nil
		}

		sinkMass := 0.0
		for _, id := range graph.nodes {
			if graph.outWeight[id] == 0 {
				sinkMass += scores[id]
			}
		}

		maxDiff := 0.0
		for _, id := range graph.nodes {
			score := (1-d)*teleport[id] + d*sinkMass*teleport[id]
			for _, in := range graph.incoming[id] {
				score += d * scores[in.from] * in.weight / graph.outWeight[in.from]
			}
			next[id] = score

			diff := math.Abs(score - scores[id])
			if diff > maxDiff {
				maxDiff = diff
			}
		}

		scores, next = next, scores
		iterations = iter + 1

		if maxDiff < convergence {
			converged = true
			break
		}
	}

	return &pprResult{
		Scores:     scores,
		NodeCount:  n,
		Iterations: iterations,
		Converged:  converged,
	}, nil
}

type inEdge struct {
	from   string
	weight float64
}

type walkGraph struct {
	nodes     []string
	incoming  map[string][]inEdge
	outWeight map[string]float64
}

// buildWalkGraph assembles the walk structure from RELATED_TO edges, treated
// as undirected for ranking purposes: relatedness has no natural direction.
func buildWalkGraph(seeds []string, edges []common.EntityEdge) *walkGraph {
	g := &walkGraph{
		incoming:  make(map[string][]inEdge),
		outWeight: make(map[string]float64),
	}
	seen := make(map[string]struct{})

	addNode := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		g.nodes = append(g.nodes, id)
	}

	for _, id := range seeds {
		addNode(id)
	}
	for _, e := range edges {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		addNode(e.SourceID)
		addNode(e.TargetID)
		g.incoming[e.TargetID] = append(g.incoming[e.TargetID], inEdge{from: e.SourceID, weight: w})
		g.incoming[e.SourceID] = append(g.incoming[e.SourceID], inEdge{from: e.TargetID, weight: w})
		g.outWeight[e.SourceID] += w
		g.outWeight[e.TargetID] += w
	}
	sort.Strings(g.nodes)
	return g
}

// topEntities returns the k highest-scored entity ids of a PPR pass.
func (r *pprResult) topEntities(k int) []string {
	type scored struct {
		id    string
		score float64
	}
	list := make([]scored, 0, len(r.Scores))
	for id, s := range r.Scores {
		list = append(list, scored{id: id, score: s})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score == list[j].score {
			return list[i].id < list[j].id
		}
		return list[i].score > list[j].score
	})
	if k > len(list) {
		k = len(list)
	}
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, list[i].id)
	}
	return out
}
