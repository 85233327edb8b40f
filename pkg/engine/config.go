package engine

import (
	"fmt"
	"time"
)

// WeightProfile distributes teleport mass across the three seed tiers of the
// unified route. Weights must sum to 1.
type WeightProfile struct {
	Entity     float64
	Structural float64
	Community  float64
}

var (
	ProfileBalanced = WeightProfile{Entity: 0.4, Structural: 0.3, Community: 0.3}
	ProfileFact     = WeightProfile{Entity: 0.6, Structural: 0.3, Community: 0.1}
	ProfileThematic = WeightProfile{Entity: 0.2, Structural: 0.3, Community: 0.5}
)

// Profiles maps profile names to their tier weights.
var Profiles = map[string]WeightProfile{
	"balanced": ProfileBalanced,
	"fact":     ProfileFact,
	"thematic": ProfileThematic,
}

// PPRConfig bounds the personalized PageRank walk. Damping outside
// [0.1, 0.99] is clamped, the traversal limits guard memory.
type PPRConfig struct {
	Damping          float64
	MaxIterations    int
	Convergence      float64
	PerSeedLimit     int
	PerNeighborLimit int
	Hops             int
}

// RouteConfig is the immutable tuning surface threaded through every route
// call. No route reads process globals; forks of this value never affect
// concurrent queries.
type RouteConfig struct {
	TopK             int
	OversampleTopK   int
	MaxPerDocument   int
	MaxPerSection    int
	CommunitySize    int
	HubCount         int
	MaxSubQuestions  int
	ContextTokens    int
	StageTimeout     time.Duration
	DefaultTimeout   time.Duration
	DenoiseThreshold float64
	FastGlobal       bool
	Profile          WeightProfile
	PPR              PPRConfig
}

// DefaultRouteConfig returns the tuning used when the caller supplies
// nothing. All values are starting points, not derived optima.
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		TopK:             12,
		OversampleTopK:   40,
		MaxPerDocument:   4,
		MaxPerSection:    2,
		CommunitySize:    16,
		HubCount:         8,
		MaxSubQuestions:  4,
		ContextTokens:    6000,
		StageTimeout:     8 * time.Second,
		DefaultTimeout:   60 * time.Second,
		DenoiseThreshold: 0.015,
		FastGlobal:       false,
		Profile:          ProfileBalanced,
		PPR: PPRConfig{
			Damping:          0.85,
			MaxIterations:    150,
			Convergence:      1e-6,
			PerSeedLimit:     64,
			PerNeighborLimit: 32,
			Hops:             2,
		},
	}
}

// Validate rejects configurations that would break route invariants.
func (c RouteConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	sum := c.Profile.Entity + c.Profile.Structural + c.Profile.Community
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("tier weights must sum to 1, got %f", sum)
	}
	if c.PPR.PerSeedLimit <= 0 || c.PPR.PerNeighborLimit <= 0 {
		return fmt.Errorf("ppr traversal limits must be positive")
	}
	return nil
}

// clampDamping keeps the teleport damping inside the supported range.
func clampDamping(d float64) float64 {
	if d < 0.1 {
		return 0.1
	}
	if d > 0.99 {
		return 0.99
	}
	return d
}

// WithProfile returns a copy of the config using the named weight profile.
// Unknown names keep the current profile.
func (c RouteConfig) WithProfile(name string) RouteConfig {
	if p, ok := Profiles[name]; ok {
		c.Profile = p
	}
	return c
}
