package routing

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/mysticmarks/llm-runner-router/internal/registry"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Strategy names.
const (
	StrategyBalanced      = "balanced"
	StrategyQualityFirst  = "quality_first"
	StrategySpeedPriority = "speed_priority"
	StrategyCostOptimized = "cost_optimized"
	StrategyRoundRobin    = "round_robin"
	StrategyRandom        = "random"
)

// StrategyParams tunes a strategy. Unknown strategies reject at SetStrategy
// time; unknown params are ignored by strategies that do not read them.
type StrategyParams struct {
	QualityWeight float64  `json:"quality_weight,omitempty"`
	CostWeight    float64  `json:"cost_weight,omitempty"`
	SpeedWeight   float64  `json:"speed_weight,omitempty"`
	Exclude       []string `json:"exclude,omitempty"`
}

func defaultParams() StrategyParams {
	return StrategyParams{
		QualityWeight: 0.4,
		CostWeight:    0.3,
		SpeedWeight:   0.3,
	}
}

// strategyFunc orders pre-filtered candidates, best first.
type strategyFunc func(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor

// strategies returns the strategy table. The round-robin entry rotates with
// the given counter, which each Router owns, so routers share no rotation state.
func strategies(rrCounter *atomic.Uint64) map[string]strategyFunc {
	return map[string]strategyFunc{
		StrategyBalanced:      balancedStrategy,
		StrategyQualityFirst:  qualityFirstStrategy,
		StrategySpeedPriority: speedPriorityStrategy,
		StrategyCostOptimized: costOptimizedStrategy,
		StrategyRoundRobin: func(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor {
			return roundRobinStrategy(rrCounter, candidates)
		},
		StrategyRandom: randomStrategy,
	}
}

// requiredCapabilities derives the capability set a request demands.
func requiredCapabilities(req *types.GenerationRequest) []types.Capability {
	var caps []types.Capability
	if len(req.Messages) > 0 {
		caps = append(caps, types.CapChat)
	} else {
		caps = append(caps, types.CapCompletion)
	}
	if req.Stream {
		caps = append(caps, types.CapStreaming)
	}
	if len(req.Tools) > 0 {
		caps = append(caps, types.CapTools)
	}
	return caps
}

// filterCandidates applies the shared candidate filter every strategy runs
// first: capabilities, context window, circuit state, credentials, explicit
// exclusions, and the caller's cost ceiling.
func (r *Router) filterCandidates(snap registry.Snapshot, req *types.GenerationRequest, params StrategyParams) []types.ModelDescriptor {
	required := requiredCapabilities(req)
	estTokens := req.EstimatedTotalTokens()
	excluded := make(map[string]struct{}, len(params.Exclude))
	for _, id := range params.Exclude {
		excluded[id] = struct{}{}
	}

	var out []types.ModelDescriptor
	for _, desc := range snap.Models {
		if _, skip := excluded[desc.ID]; skip {
			continue
		}
		capsOK := true
		for _, c := range required {
			if !desc.HasCapability(c) {
				capsOK = false
				break
			}
		}
		if !capsOK {
			continue
		}
		if desc.ContextWindow > 0 && desc.ContextWindow < estTokens {
			continue
		}
		if h, ok := snap.Health[desc.ID]; ok && h.CircuitState == types.CircuitOpen {
			continue
		}
		if !r.hasCredential(desc.ProviderTag) {
			continue
		}
		if req.CostCeiling > 0 {
			expected := desc.WorstCaseCost(req.EstimatedPromptTokens(), req.MaxTokens)
			if expected > req.CostCeiling {
				continue
			}
		}
		out = append(out, desc)
	}
	return out
}

// normalizedCost maps a model's blended price into [0, 1] relative to the
// candidate set, so the balanced score can trade cost against quality.
func normalizedCost(candidates []types.ModelDescriptor) map[string]float64 {
	maxPrice := 0.0
	blended := make(map[string]float64, len(candidates))
	for _, d := range candidates {
		price := d.InputPricePerMillion + d.OutputPricePerMillion
		blended[d.ID] = price
		if price > maxPrice {
			maxPrice = price
		}
	}
	if maxPrice == 0 {
		for id := range blended {
			blended[id] = 0
		}
		return blended
	}
	for id, price := range blended {
		blended[id] = price / maxPrice
	}
	return blended
}

func balancedStrategy(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor {
	costs := normalizedCost(candidates)
	ordered := append([]types.ModelDescriptor(nil), candidates...)
	score := func(d types.ModelDescriptor) float64 {
		return params.QualityWeight*d.QualityScore +
			params.CostWeight*(1-costs[d.ID]) +
			params.SpeedWeight*d.SpeedScore
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return score(ordered[i]) > score(ordered[j])
	})
	return ordered
}

func qualityFirstStrategy(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor {
	ordered := append([]types.ModelDescriptor(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].QualityScore != ordered[j].QualityScore {
			return ordered[i].QualityScore > ordered[j].QualityScore
		}
		return snap.Health[ordered[i].ID].AvgLatencyMS < snap.Health[ordered[j].ID].AvgLatencyMS
	})
	return ordered
}

func speedPriorityStrategy(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor {
	ordered := append([]types.ModelDescriptor(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		li := snap.Health[ordered[i].ID].AvgLatencyMS
		lj := snap.Health[ordered[j].ID].AvgLatencyMS
		if li != lj {
			return li < lj
		}
		return ordered[i].SpeedScore > ordered[j].SpeedScore
	})
	return ordered
}

func costOptimizedStrategy(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor {
	promptTokens := req.EstimatedPromptTokens()
	ordered := append([]types.ModelDescriptor(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].WorstCaseCost(promptTokens, req.MaxTokens) <
			ordered[j].WorstCaseCost(promptTokens, req.MaxTokens)
	})
	return ordered
}

func roundRobinStrategy(counter *atomic.Uint64, candidates []types.ModelDescriptor) []types.ModelDescriptor {
	if len(candidates) == 0 {
		return nil
	}
	start := int(counter.Add(1)-1) % len(candidates)
	ordered := make([]types.ModelDescriptor, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		ordered = append(ordered, candidates[(start+i)%len(candidates)])
	}
	return ordered
}

func randomStrategy(snap registry.Snapshot, req *types.GenerationRequest, candidates []types.ModelDescriptor, params StrategyParams) []types.ModelDescriptor {
	ordered := append([]types.ModelDescriptor(nil), candidates...)
	rand.Shuffle(len(ordered), func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})
	return ordered
}
