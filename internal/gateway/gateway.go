// Package gateway is the optional task-profile layer in front of the
// scheduler. It maps (intent, phase) pairs to profiles carrying candidate
// engines, an execution strategy, budget overrides, and a tool policy.
package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/logging"
	"github.com/denislab/denis/internal/registry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy controls how the router walks a profile's candidates.
type Strategy string

const (
	// StrategySingle stops after the first attempt regardless of outcome.
	StrategySingle Strategy = "single"

	// StrategyFallback is the normal chain.
	StrategyFallback Strategy = "fallback"

	// StrategyParallelVerify is reserved for a future dual-call path.
	// Accepted at load, resolved as fallback with a warning.
	StrategyParallelVerify Strategy = "parallel_verify"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROFILES
// ═══════════════════════════════════════════════════════════════════════════════

// ToolPolicy is a read-only/mutating-gated pass-through; the control plane
// does not interpret it.
type ToolPolicy string

const (
	ToolPolicyReadOnly      ToolPolicy = "read_only"
	ToolPolicyMutatingGated ToolPolicy = "mutating_gated"
)

// BudgetOverrides carries any subset of the profile-level budget knobs.
// Zero values mean "no override".
type BudgetOverrides struct {
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	TimeoutMs       int64   `yaml:"timeout_ms"`
	MaxCostUSD      float64 `yaml:"max_cost_usd"`
}

// Profile is one task profile.
type Profile struct {
	ID              string          `yaml:"id"`
	Candidates      []string        `yaml:"candidates"` // ordered engine ids
	Strategy        Strategy        `yaml:"strategy"`
	Budget          BudgetOverrides `yaml:"budget"`
	ToolPolicy      ToolPolicy      `yaml:"tool_policy"`
	RequireInternet bool            `yaml:"require_internet"`

	// Fast marks latency-critical profiles (intent detection, greetings,
	// read-only tool runners). Fast profiles must never list an engine from
	// the expensive set; enforced at seed load and at resolution.
	Fast bool `yaml:"fast"`
}

// RuleKey maps an (intent, phase) pair. Phase "*" is the wildcard.
type RuleKey struct {
	Intent string
	Phase  string
}

// PhaseWildcard matches any phase. Callers without phase knowledge resolve
// with it directly.
const PhaseWildcard = "*"

// DefaultProfileID catches unknown intents.
const DefaultProfileID = "chat_general"

// Seed is the load-time gateway configuration.
type Seed struct {
	// Rules maps (intent, phase) to a profile id. Exact (intent, phase)
	// beats (intent, "*"); unknown falls to DefaultProfileID.
	Rules map[RuleKey]string

	// Profiles by id. Must contain DefaultProfileID.
	Profiles map[string]Profile

	// Expensive is the declared set of engines (cloud boosters, premium
	// search) that fast profiles must not reach.
	Expensive map[string]bool
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESOLVER
// ═══════════════════════════════════════════════════════════════════════════════

// Resolution is the outcome of a profile lookup.
type Resolution struct {
	ProfileID  string
	Candidates []string
	Strategy   Strategy
	Budget     BudgetOverrides
	ToolPolicy ToolPolicy
	Gated      bool // candidates emptied by require_internet
}

// Router resolves task profiles. Read-only after construction.
type Router struct {
	seed  Seed
	reg   *registry.Registry
	probe *health.Probe
	log   zerolog.Logger
}

// New validates the seed and builds the resolver. Fast-intent safety is a
// load error: a fast profile listing an expensive engine never loads.
func New(seed Seed, reg *registry.Registry, probe *health.Probe) (*Router, error) {
	if _, ok := seed.Profiles[DefaultProfileID]; !ok {
		return nil, fmt.Errorf("gateway seed is missing default profile %q", DefaultProfileID)
	}
	for key, profileID := range seed.Rules {
		if _, ok := seed.Profiles[profileID]; !ok {
			return nil, fmt.Errorf("rule (%s, %s) names unknown profile %q", key.Intent, key.Phase, profileID)
		}
	}
	for id, p := range seed.Profiles {
		switch p.Strategy {
		case StrategySingle, StrategyFallback, StrategyParallelVerify, "":
		default:
			return nil, fmt.Errorf("profile %q: unknown strategy %q", id, p.Strategy)
		}
		if p.Fast {
			for _, eng := range p.Candidates {
				if seed.Expensive[eng] {
					return nil, fmt.Errorf("fast profile %q lists expensive engine %q", id, eng)
				}
			}
		}
	}
	return &Router{
		seed:  seed,
		reg:   reg,
		probe: probe,
		log:   logging.Component("gateway"),
	}, nil
}

// Resolve maps (intent, phase) to a resolution. Exact match wins over the
// (intent, *) wildcard; unknown intents fall to the default profile. When the
// rule requires internet and health is not OK, candidates are emptied (not
// filtered) so the caller falls through to the degraded path.
func (r *Router) Resolve(ctx context.Context, intent, phase string) Resolution {
	profileID := DefaultProfileID
	if id, ok := r.seed.Rules[RuleKey{Intent: intent, Phase: phase}]; ok {
		profileID = id
	} else if id, ok := r.seed.Rules[RuleKey{Intent: intent, Phase: "*"}]; ok {
		profileID = id
	}

	p := r.seed.Profiles[profileID]

	strategy := p.Strategy
	if strategy == "" {
		strategy = StrategyFallback
	}
	if strategy == StrategyParallelVerify {
		r.log.Warn().Str("profile", profileID).
			Msg("parallel_verify is reserved, resolving as fallback")
		strategy = StrategyFallback
	}

	res := Resolution{
		ProfileID:  profileID,
		Strategy:   strategy,
		Budget:     p.Budget,
		ToolPolicy: p.ToolPolicy,
	}

	if p.RequireInternet && r.probe.Status(ctx) != health.StatusOK {
		res.Gated = true
		return res
	}

	for _, eng := range p.Candidates {
		// Re-enforce fast-intent safety at selection time; the seed may have
		// been mutated between load and resolution in embedding processes.
		if p.Fast && r.seed.Expensive[eng] {
			r.log.Warn().Str("profile", profileID).Str("engine", eng).
				Msg("dropping expensive engine from fast profile")
			continue
		}
		res.Candidates = append(res.Candidates, eng)
	}
	return res
}
