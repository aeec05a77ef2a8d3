// Package controlplane is the library surface of Denis. It wires registry,
// health probe, metrics store, trace emitter, scheduler, router, and the
// optional gateway behind one handle and exposes the three caller-facing
// operations: Schedule, Route, and Health.
package controlplane

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/denislab/denis/internal/gateway"
	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/logging"
	"github.com/denislab/denis/internal/metrics"
	"github.com/denislab/denis/internal/provider"
	"github.com/denislab/denis/internal/registry"
	"github.com/denislab/denis/internal/router"
	"github.com/denislab/denis/internal/scheduler"
	"github.com/denislab/denis/internal/trace"
)

// ControlPlane bundles the control-plane components behind one handle.
// All fields are constructor-injected; there are no package-level singletons.
type ControlPlane struct {
	reg     *registry.Registry
	probe   *health.Probe
	store   *metrics.Store
	emitter *trace.Emitter
	sched   *scheduler.Scheduler
	rtr     *router.Router
	gw      *gateway.Router
	log     zerolog.Logger
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithGateway attaches the task-profile resolver.
func WithGateway(gw *gateway.Router) Option {
	return func(cp *ControlPlane) { cp.gw = gw }
}

// New assembles a control plane from its components.
func New(reg *registry.Registry, probe *health.Probe, store *metrics.Store,
	emitter *trace.Emitter, sched *scheduler.Scheduler, rtr *router.Router, opts ...Option) *ControlPlane {

	cp := &ControlPlane{
		reg:     reg,
		probe:   probe,
		store:   store,
		emitter: emitter,
		sched:   sched,
		rtr:     rtr,
		log:     logging.Component("controlplane"),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// Schedule builds a plan for the request. When a gateway is attached and the
// request names a task type, the resolved profile supplies the candidate
// chain and budget overrides; otherwise the local-first buckets do. A nil
// plan with a nil error means no engines are routable; callers fall through
// to Route's degraded path. ErrAtParallelLimit means no plan, queue
// externally. A returned plan holds its route type's in-flight slot until
// Route completes it.
func (cp *ControlPlane) Schedule(ctx context.Context, req scheduler.Request) (*scheduler.Plan, error) {
	plan, err := cp.schedule(ctx, req)
	if errors.Is(err, scheduler.ErrNoEngines) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// schedule resolves the task profile when one applies, then assembles a plan.
func (cp *ControlPlane) schedule(ctx context.Context, req scheduler.Request) (*scheduler.Plan, error) {
	if cp.gw == nil || req.TaskType == "" {
		return cp.sched.Schedule(ctx, req)
	}

	// The request shape carries no phase; rules keyed to concrete phases are
	// resolved by callers that know them.
	res := cp.gw.Resolve(ctx, req.TaskType, gateway.PhaseWildcard)

	if res.Gated {
		cp.emitPlanTrace(req, trace.ModeGated, trace.ReasonNoInternet, res)
		return nil, scheduler.ErrNoEngines
	}

	plan, err := cp.sched.ScheduleWithOverrides(ctx, req, overridesFrom(res))
	if errors.Is(err, scheduler.ErrNoEngines) && len(res.Candidates) > 0 {
		// The profile chain is unroutable; the local-first buckets may not be.
		cp.emitPlanTrace(req, trace.ModeFallback, trace.ReasonProfileUnroutable, res)
		return cp.sched.Schedule(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	cp.emitPlanTrace(req, trace.ModeSelected, trace.ReasonProfileResolved, res)
	return plan, nil
}

// overridesFrom maps a gateway resolution onto scheduler overrides.
func overridesFrom(res gateway.Resolution) *scheduler.Overrides {
	return &scheduler.Overrides{
		ProfileID:       res.ProfileID,
		Candidates:      res.Candidates,
		MaxOutputTokens: res.Budget.MaxOutputTokens,
		TimeoutMs:       res.Budget.TimeoutMs,
		MaxCostUSD:      res.Budget.MaxCostUSD,
		SingleAttempt:   res.Strategy == gateway.StrategySingle,
	}
}

// emitPlanTrace records one plan_selection decision.
func (cp *ControlPlane) emitPlanTrace(req scheduler.Request, mode trace.Mode, reason string, res gateway.Resolution) {
	t := trace.New(trace.KindPlanSelection, mode, reason)
	t.RequestID = req.RequestID
	t.SessionID = req.SessionID
	t.Intent = req.TaskType
	t.PlanCandidate = res.ProfileID
	if res.ToolPolicy != "" {
		t.Policies = []string{string(res.ToolPolicy)}
	}
	cp.emitter.Emit(t)
}

// Route executes a plan. When plan is nil the control plane schedules one
// itself; if no engine is routable the router's no-plan path produces the
// degraded envelope, and a route type at its parallel limit is reported back
// for external queueing rather than routed around. Routing completes the
// Schedule call that produced the plan, so the in-flight slot is released on
// return whether the plan was supplied or self-scheduled.
func (cp *ControlPlane) Route(ctx context.Context, req scheduler.Request, plan *scheduler.Plan) (*router.Envelope, error) {
	if plan != nil {
		defer cp.sched.Finish(req.RouteType)
	} else {
		scheduled, err := cp.schedule(ctx, req)
		switch {
		case err == nil:
			defer cp.sched.Finish(req.RouteType)
			plan = scheduled
		case errors.Is(err, scheduler.ErrNoEngines):
			// fall through with no plan: legacy heuristic, degraded if empty
		default:
			return nil, err
		}
	}
	return cp.rtr.Route(ctx, req, plan)
}

// Close flushes the trace queue.
func (cp *ControlPlane) Close() {
	cp.emitter.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderHealth summarizes one provider family.
type ProviderHealth struct {
	Family    registry.Family `json:"family"`
	Engines   int             `json:"engines"`
	Available bool            `json:"available"`
}

// EngineSummary is the per-bucket engine count.
type EngineSummary struct {
	Total    int `json:"total"`
	Local    int `json:"local"`
	Boosters int `json:"boosters"`
}

// Report is the health() payload.
type Report struct {
	Providers      []ProviderHealth          `json:"providers"`
	RegistryHash   string                    `json:"registry_hash"`
	InternetStatus health.Status             `json:"internet_status"`
	AllowBoosters  bool                      `json:"allow_boosters"`
	EngineSummary  EngineSummary             `json:"engine_summary"`
	Metrics        map[string]metrics.Derived `json:"metrics,omitempty"`
}

// Health reports the live state of the control plane.
func (cp *ControlPlane) Health(ctx context.Context, allowBoosters bool) Report {
	report := Report{
		RegistryHash:   cp.reg.Hash(),
		InternetStatus: cp.probe.Status(ctx),
		AllowBoosters:  allowBoosters,
		Metrics:        cp.store.Snapshot(),
	}

	byFamily := make(map[registry.Family]*ProviderHealth)
	for _, eng := range cp.reg.List(registry.Filter{}) {
		report.EngineSummary.Total++
		if eng.Local() {
			report.EngineSummary.Local++
		}
		if eng.Booster() {
			report.EngineSummary.Boosters++
		}

		ph := byFamily[eng.Family]
		if ph == nil {
			ph = &ProviderHealth{Family: eng.Family}
			byFamily[eng.Family] = ph
		}
		ph.Engines++
		if adapter, err := provider.New(eng); err == nil && adapter.Available() {
			ph.Available = true
		}
	}

	// Deterministic family order for stable output.
	for _, fam := range []registry.Family{
		registry.FamilyLlamaCpp, registry.FamilyVLLM, registry.FamilyGroq,
		registry.FamilyOpenRouter, registry.FamilyAnthropic, registry.FamilyPerplexity,
	} {
		if ph := byFamily[fam]; ph != nil {
			report.Providers = append(report.Providers, *ph)
		}
	}

	return report
}
