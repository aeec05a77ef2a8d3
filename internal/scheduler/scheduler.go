package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/logging"
	"github.com/denislab/denis/internal/registry"
)

// Sentinel "no plan" signals. Neither is a failure: the caller falls through
// to its degraded path (ErrNoEngines) or queues externally (ErrAtParallelLimit).
var (
	ErrNoEngines       = errors.New("no routable engines")
	ErrAtParallelLimit = errors.New("route type at parallel limit")
)

// EnvAllowBoosters permits booster selection when health is OK. Default "1".
const EnvAllowBoosters = "DENIS_ALLOW_BOOSTERS"

// Budget and timeout defaults.
const (
	DefaultTotalTimeoutMs   = 5000
	DefaultConnectTimeoutMs = 200
	DefaultMaxTokens        = 1024
	reservedHeadroom        = 256 // tokens held back from the primary's context
)

// DefaultParallelLimits caps concurrently in-flight plans per route type.
// Consumed as back-pressure: at the limit, Schedule returns no plan.
var DefaultParallelLimits = map[string]int{
	"fast_talk": 1,
	"project":   4,
}

// Scheduler builds plans from requests. Registry and health are read-only
// inputs; the only mutable state is the per-route in-flight counter.
type Scheduler struct {
	reg   *registry.Registry
	probe *health.Probe
	log   zerolog.Logger

	allowBoosters func() bool

	mu       sync.Mutex
	limits   map[string]int
	inflight map[string]int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithParallelLimits overrides the per-route-type in-flight caps.
func WithParallelLimits(limits map[string]int) Option {
	return func(s *Scheduler) { s.limits = limits }
}

// WithBoosterGate replaces the DENIS_ALLOW_BOOSTERS lookup.
func WithBoosterGate(fn func() bool) Option {
	return func(s *Scheduler) { s.allowBoosters = fn }
}

// New builds a Scheduler over the given registry and health probe.
func New(reg *registry.Registry, probe *health.Probe, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:           reg,
		probe:         probe,
		log:           logging.Component("scheduler"),
		allowBoosters: boostersAllowedFromEnv,
		limits:        DefaultParallelLimits,
		inflight:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func boostersAllowedFromEnv() bool {
	return os.Getenv(EnvAllowBoosters) != "0"
}

// Overrides narrows plan assembly to a resolved task profile: an explicit
// candidate chain plus budget knobs. The gateway layer produces these; the
// scheduler stays ignorant of profiles themselves.
type Overrides struct {
	// ProfileID tags the plan for tracing.
	ProfileID string

	// Candidates is the ordered engine-id chain. Engines tagged neither local
	// nor internet_required are routable only when listed here. Empty falls
	// back to the registry buckets.
	Candidates []string

	// MaxOutputTokens, TimeoutMs, and MaxCostUSD override the plan budget
	// when non-zero.
	MaxOutputTokens int
	TimeoutMs       int64
	MaxCostUSD      float64

	// SingleAttempt stops the router after the first attempt regardless of
	// outcome.
	SingleAttempt bool
}

// Schedule builds a plan for the request under the local-first policy:
//
//  1. locals exist -> primary is the lowest-priority local, remaining locals
//     fall back first, boosters append only when internet is OK
//  2. no locals, internet OK, boosters exist -> booster chain, degraded
//  3. otherwise -> no plan (ErrNoEngines)
//
// The caller must call Finish(routeType) when the request completes; the
// in-flight slot is taken here.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Plan, error) {
	return s.ScheduleWithOverrides(ctx, req, nil)
}

// ScheduleWithOverrides builds a plan constrained by a resolved task profile.
// Candidates replace the registry buckets as the chain source; locals still
// take the primary slot, and boosters are still gated on internet health.
func (s *Scheduler) ScheduleWithOverrides(ctx context.Context, req Request, ov *Overrides) (*Plan, error) {
	if !s.acquire(req.RouteType) {
		s.log.Debug().Str("route_type", req.RouteType).Msg("at parallel limit, refusing to assign")
		return nil, ErrAtParallelLimit
	}

	plan, err := s.build(ctx, req, ov)
	if err != nil {
		s.Finish(req.RouteType)
		return nil, err
	}
	return plan, nil
}

func (s *Scheduler) build(ctx context.Context, req Request, ov *Overrides) (*Plan, error) {
	status := s.probe.Status(ctx)
	internetOK := status == health.StatusOK
	boosters := internetOK && s.allowBoosters()

	var primary *registry.Engine
	var fallbacks []*registry.Engine
	var degraded bool

	if ov != nil && len(ov.Candidates) > 0 {
		chain, localCount := s.candidateChain(ov, boosters)
		if len(chain) == 0 {
			return nil, ErrNoEngines
		}
		primary = chain[0]
		fallbacks = chain[1:]
		degraded = localCount == 0
	} else {
		locals := s.reg.List(registry.Filter{Tags: []string{registry.TagLocal}})
		remote := s.reg.List(registry.Filter{Tags: []string{registry.TagInternetRequired}})

		switch {
		case len(locals) > 0:
			primary = locals[0]
			fallbacks = append(fallbacks, locals[1:]...)
			if boosters {
				fallbacks = append(fallbacks, remote...)
			}
		case boosters && len(remote) > 0:
			primary = remote[0]
			fallbacks = append(fallbacks, remote[1:]...)
			degraded = true
		default:
			return nil, ErrNoEngines
		}
	}

	plan := &Plan{
		PrimaryEngineID: primary.ID,
		ExpectedModel:   primary.Model,
		Params:          mergeParams(primary.DefaultParams, requestParams(req)),
		TimeoutsMs: Timeouts{
			ConnectMs: DefaultConnectTimeoutMs,
			TotalMs:   DefaultTotalTimeoutMs,
		},
		TraceTags: map[string]string{
			"internet_status_at_plan": string(status),
			"degraded":                fmt.Sprintf("%t", degraded),
		},
	}
	for _, e := range fallbacks {
		plan.FallbackEngineIDs = append(plan.FallbackEngineIDs, e.ID)
	}

	plan.Budget = shapeBudget(req, primary, ov)
	plan.AttemptPolicy = AttemptPolicy{
		MaxAttempts: 1 + len(plan.FallbackEngineIDs),
		RetryOn:     []string{RetryTimeout, Retry5xx},
	}

	// A request ask above the shaped budget is clamped on the wire too.
	if mt, ok := asInt(plan.Params["max_tokens"]); ok && mt > plan.Budget.PlannedTokens {
		plan.Params["max_tokens"] = plan.Budget.PlannedTokens
	}

	if ov != nil {
		applyOverrides(plan, ov)
	}

	if err := s.selfCheck(plan); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("request_id", req.RequestID).
		Str("primary", plan.PrimaryEngineID).
		Strs("fallbacks", plan.FallbackEngineIDs).
		Str("internet", string(status)).
		Bool("degraded", degraded).
		Msg("plan assembled")

	return plan, nil
}

// candidateChain resolves a profile's candidate ids against the registry.
// Unknown ids are dropped (the guard-rail forbids emitting them), offline
// boosters are dropped, and locals move to the front so the local-first
// invariant holds; profile order is preserved within each group.
func (s *Scheduler) candidateChain(ov *Overrides, boosters bool) ([]*registry.Engine, int) {
	var locals, others []*registry.Engine
	for _, id := range ov.Candidates {
		eng := s.reg.Get(id)
		if eng == nil {
			s.log.Warn().Str("engine", id).Str("profile", ov.ProfileID).
				Msg("profile names unknown engine, dropping from chain")
			continue
		}
		if eng.Booster() && !boosters {
			continue
		}
		if eng.Local() {
			locals = append(locals, eng)
		} else {
			others = append(others, eng)
		}
	}
	return append(locals, others...), len(locals)
}

// applyOverrides stamps profile-level budget knobs onto an assembled plan.
func applyOverrides(plan *Plan, ov *Overrides) {
	if ov.ProfileID != "" {
		plan.TraceTags["task_profile"] = ov.ProfileID
	}
	if ov.TimeoutMs > 0 {
		plan.TimeoutsMs.TotalMs = ov.TimeoutMs
	}
	if ov.MaxCostUSD > 0 {
		plan.Budget.MaxCostUSD = ov.MaxCostUSD
	}
	if ov.SingleAttempt {
		plan.AttemptPolicy = AttemptPolicy{MaxAttempts: 1}
	}
	if ov.MaxOutputTokens > 0 {
		// An explicit profile cap reaches the wire even when the request
		// asked for nothing; the shaped budget already folded it in.
		plan.Params["max_tokens"] = plan.Budget.PlannedTokens
	}
}

// selfCheck verifies the registry-completeness guard-rail: every engine id in
// the plan resolves at the moment of emission.
func (s *Scheduler) selfCheck(plan *Plan) error {
	for _, id := range plan.Chain() {
		if s.reg.Get(id) == nil {
			return fmt.Errorf("plan self-check: engine %q not in registry", id)
		}
	}
	return nil
}

// shapeBudget clamps the token budget to the primary's context window, its
// output limit, and any profile cap, then prices it with the primary's cost
// factor.
func shapeBudget(req Request, primary *registry.Engine, ov *Overrides) Budget {
	tokens := req.Payload.MaxTokens
	if tokens == 0 {
		tokens = DefaultMaxTokens
	}
	if primary.MaxContext > 0 {
		if ceiling := primary.MaxContext - reservedHeadroom; tokens > ceiling {
			tokens = ceiling
		}
	}
	if primary.MaxOutput > 0 && tokens > primary.MaxOutput {
		tokens = primary.MaxOutput
	}
	if ov != nil && ov.MaxOutputTokens > 0 && tokens > ov.MaxOutputTokens {
		tokens = ov.MaxOutputTokens
	}
	if tokens < 0 {
		tokens = 0
	}
	return Budget{
		PlannedTokens:  tokens,
		PlannedCostUSD: float64(tokens) / 1000.0 * primary.CostFactor,
	}
}

// requestParams lifts payload knobs into plan params.
func requestParams(req Request) map[string]any {
	params := make(map[string]any)
	if req.Payload.MaxTokens > 0 {
		params["max_tokens"] = req.Payload.MaxTokens
	}
	if req.Payload.Temperature > 0 {
		params["temperature"] = req.Payload.Temperature
	}
	return params
}

// asInt reads a numeric param regardless of how it was decoded.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// mergeParams overlays request params on engine defaults; request wins.
func mergeParams(defaults, request map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(request))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// acquire takes an in-flight slot for the route type. Route types without a
// configured limit are uncapped.
func (s *Scheduler) acquire(routeType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, capped := s.limits[routeType]
	if capped && s.inflight[routeType] >= limit {
		return false
	}
	s.inflight[routeType]++
	return true
}

// Finish releases the in-flight slot taken by Schedule.
func (s *Scheduler) Finish(routeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[routeType] > 0 {
		s.inflight[routeType]--
	}
}

// InFlight reports the current in-flight count for a route type.
func (s *Scheduler) InFlight(routeType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[routeType]
}
