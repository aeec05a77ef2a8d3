// Package router executes inference plans. It walks the plan chain attempt by
// attempt, records every outcome in the metrics store, emits one decision
// trace per attempt, and always returns an envelope: success, cancelled, or
// degraded. The only error it raises is request-shape misuse caught before any
// adapter call.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/denislab/denis/internal/gateway"
	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/hop"
	"github.com/denislab/denis/internal/logging"
	"github.com/denislab/denis/internal/metrics"
	"github.com/denislab/denis/internal/provider"
	"github.com/denislab/denis/internal/registry"
	"github.com/denislab/denis/internal/scheduler"
	"github.com/denislab/denis/internal/trace"
)

// Environment knobs.
const (
	// EnvMaxAttempts caps the legacy heuristic chain length. Default 3.
	EnvMaxAttempts = "DENIS_ROUTER_MAX_ATTEMPTS"

	// EnvDefaultTimeoutSec is the per-attempt timeout when a plan carries
	// none. Default 5.
	EnvDefaultTimeoutSec = "DENIS_ROUTER_DEFAULT_TIMEOUT_SEC"

	// EnvEnableGateway and EnvShadowMode together enable the shadow
	// comparison: after a decision, the gateway is consulted and the
	// agreement is traced. Neither flag changes what is routed.
	EnvEnableGateway = "DENIS_ENABLE_INFERENCE_GATEWAY"
	EnvShadowMode    = "DENIS_GATEWAY_SHADOW_MODE"
)

// defaultTimeoutSec is the per-attempt timeout when neither plan nor
// configuration carries one.
const defaultTimeoutSec = 5

// ErrNoMessages is raised synchronously when a request carries no messages.
var ErrNoMessages = errors.New("request payload has no messages")

// AdapterFactory resolves an engine to its provider adapter. Injectable so
// tests can substitute scripted adapters.
type AdapterFactory func(e *registry.Engine) (provider.Adapter, error)

// Router executes plans against live adapters.
type Router struct {
	reg     *registry.Registry
	probe   *health.Probe
	store   *metrics.Store
	emitter *trace.Emitter
	gw      *gateway.Router
	log     zerolog.Logger

	adapterFor     AdapterFactory
	maxHop         func() int
	shadowOn       func() bool
	maxAttempts    func() int
	defaultTimeout func() int // seconds
}

// Option configures a Router.
type Option func(*Router)

// WithAdapterFactory replaces the live adapter constructor.
func WithAdapterFactory(fn AdapterFactory) Option {
	return func(r *Router) { r.adapterFor = fn }
}

// WithGateway attaches the task-profile resolver used for shadow comparison.
func WithGateway(gw *gateway.Router) Option {
	return func(r *Router) { r.gw = gw }
}

// WithMaxHop replaces the DENIS_OPENAI_COMPAT_MAX_HOP lookup.
func WithMaxHop(fn func() int) Option {
	return func(r *Router) { r.maxHop = fn }
}

// WithShadowGate replaces the shadow-mode env lookup.
func WithShadowGate(fn func() bool) Option {
	return func(r *Router) { r.shadowOn = fn }
}

// WithMaxAttempts replaces the DENIS_ROUTER_MAX_ATTEMPTS lookup.
func WithMaxAttempts(fn func() int) Option {
	return func(r *Router) { r.maxAttempts = fn }
}

// WithDefaultTimeout replaces the DENIS_ROUTER_DEFAULT_TIMEOUT_SEC lookup.
// The value is in seconds.
func WithDefaultTimeout(fn func() int) Option {
	return func(r *Router) { r.defaultTimeout = fn }
}

// New builds a Router over the registry, health probe, metrics store, and
// trace emitter.
func New(reg *registry.Registry, probe *health.Probe, store *metrics.Store, emitter *trace.Emitter, opts ...Option) *Router {
	r := &Router{
		reg:            reg,
		probe:          probe,
		store:          store,
		emitter:        emitter,
		log:            logging.Component("router"),
		adapterFor:     provider.New,
		maxHop:         hop.MaxFromEnv,
		shadowOn:       shadowFromEnv,
		maxAttempts:    maxAttemptsFromEnv,
		defaultTimeout: defaultTimeoutFromEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func shadowFromEnv() bool {
	return os.Getenv(EnvEnableGateway) == "1" && os.Getenv(EnvShadowMode) == "1"
}

// Route executes a plan. A nil plan takes the legacy heuristic path. The loop
// guard runs before anything else: a blocked request returns a synthetic
// envelope without consulting registry, scheduler, or adapters.
func (r *Router) Route(ctx context.Context, req scheduler.Request, plan *scheduler.Plan) (*Envelope, error) {
	if blocked := r.checkHop(ctx, req); blocked != nil {
		return blocked, nil
	}
	if len(req.Payload.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if plan == nil {
		plan = r.legacyPlan(ctx, req)
	}
	env := r.execute(ctx, req, plan)
	r.shadowCompare(ctx, req, env)
	return env, nil
}

// checkHop answers loop-guarded requests synthetically.
func (r *Router) checkHop(ctx context.Context, req scheduler.Request) *Envelope {
	if !hop.Exceeded(ctx, r.maxHop()) {
		return nil
	}
	r.log.Warn().
		Str("request_id", req.RequestID).
		Int("hop", hop.FromContext(ctx)).
		Msg("inbound hop over maximum, blocking")

	t := trace.New(trace.KindPolicyEval, trace.ModeBlocked, "hop_limit_exceeded")
	t.RequestID = req.RequestID
	t.SessionID = req.SessionID
	t.Extra = map[string]string{"hop": fmt.Sprintf("%d", hop.FromContext(ctx))}
	r.emitter.Emit(t)

	return &Envelope{
		SkippedEngines: []SkippedEngine{},
		InternetStatus: health.StatusUnknown,
		Meta:           map[string]string{"path": MetaPathBlockedHop},
	}
}

// execute walks the chain per the attempt policy.
func (r *Router) execute(ctx context.Context, req scheduler.Request, plan *scheduler.Plan) *Envelope {
	status := r.probe.Status(ctx)

	env := &Envelope{
		InferencePlan:  plan,
		SkippedEngines: []SkippedEngine{},
		InternetStatus: status,
	}

	maxAttempts := plan.AttemptPolicy.MaxAttempts
	chain := plan.Chain()
	if maxAttempts <= 0 {
		maxAttempts = len(chain)
	}

	for _, engineID := range chain {
		if env.Attempts >= maxAttempts {
			break
		}
		if engineID == "" {
			continue
		}

		eng := r.reg.Get(engineID)
		if eng == nil {
			env.SkippedEngines = append(env.SkippedEngines, SkippedEngine{
				EngineID:  engineID,
				Reason:    trace.ReasonEngineNotFound,
				Misconfig: true,
			})
			r.log.Warn().Str("engine", engineID).Msg("plan names unknown engine, skipping")
			continue
		}
		if eng.Booster() && status != health.StatusOK {
			env.SkippedEngines = append(env.SkippedEngines, SkippedEngine{
				EngineID: engineID,
				Reason:   trace.ReasonNoInternet,
			})
			continue
		}

		adapter, err := r.adapterFor(eng)
		if err != nil {
			env.SkippedEngines = append(env.SkippedEngines, SkippedEngine{
				EngineID:  engineID,
				Reason:    trace.ReasonEngineNotFound,
				Misconfig: true,
			})
			continue
		}

		env.Attempts++
		mode := trace.ModeFallback
		if env.Attempts == 1 {
			mode = trace.ModePrimary
		}

		result := adapter.Chat(ctx, req.Payload.Messages, r.attemptTimeout(plan), overlay(eng.DefaultParams, plan.Params))

		if result.Success {
			if over, cost := r.costExceeded(req, plan, result); over {
				// Reported-token cost over the ceiling demotes the call to a
				// failed attempt; the response is discarded.
				r.store.Record(eng.ID, result.LatencyMs, false, cost)
				r.emitAttempt(req, plan, eng, mode, trace.ReasonCostLimitExceeded)
				continue
			}

			r.store.Record(eng.ID, result.LatencyMs, true, result.CostUSDEstimated)
			r.emitRouting(req, eng)
			r.emitAttempt(req, plan, eng, mode, trace.ReasonSuccess)

			env.Response = result.Response
			env.LLMUsed = string(result.ProviderFamily)
			env.EngineID = eng.ID
			env.ModelSelected = result.Model
			env.LatencyMs = result.LatencyMs
			env.InputTokens = result.InputTokens
			env.OutputTokens = result.OutputTokens
			env.CostUSD = result.CostUSDEstimated
			env.FallbackUsed = env.Attempts > 1
			return env
		}

		r.store.Record(eng.ID, result.LatencyMs, false, result.CostUSDEstimated)
		r.emitAttempt(req, plan, eng, mode, result.Error)

		if result.Error == provider.ErrCancelled {
			env.Cancelled = true
			r.log.Info().Str("request_id", req.RequestID).Int("attempts", env.Attempts).
				Msg("route cancelled mid-attempt")
			return env
		}

		class := scheduler.Retry5xx
		if provider.IsTimeout(result.Error) {
			class = scheduler.RetryTimeout
		}
		if !plan.AttemptPolicy.Retries(class) {
			break
		}
	}

	return r.degrade(req, plan, env)
}

// degrade finishes an exhausted chain with the synthetic envelope.
func (r *Router) degrade(req scheduler.Request, plan *scheduler.Plan, env *Envelope) *Envelope {
	env.Response = DegradedPlaceholder
	env.LLMUsed = LLMDegradedFallback
	env.Degraded = true
	env.FallbackUsed = env.Attempts > 1

	t := trace.New(trace.KindEngineSelection, trace.ModeDegraded, trace.ReasonAllAttemptsExhausted)
	t.RequestID = req.RequestID
	t.SessionID = req.SessionID
	t.Extra = planExtra(plan)
	r.emitter.Emit(t)

	r.log.Warn().
		Str("request_id", req.RequestID).
		Int("attempts", env.Attempts).
		Int("skipped", len(env.SkippedEngines)).
		Msg("all attempts exhausted, returning degraded envelope")

	return env
}

// costExceeded applies the tightest of the request and plan cost ceilings to
// reported usage. Engines with a zero cost factor can never violate either.
func (r *Router) costExceeded(req scheduler.Request, plan *scheduler.Plan, result *provider.CallResult) (bool, float64) {
	ceiling := req.MaxCostUSD
	if c := plan.Budget.MaxCostUSD; c > 0 && (ceiling <= 0 || c < ceiling) {
		ceiling = c
	}
	if ceiling <= 0 {
		return false, result.CostUSDEstimated
	}
	return result.CostUSDEstimated > ceiling, result.CostUSDEstimated
}

// attemptTimeout resolves the per-attempt budget: plan total, else the
// configured default.
func (r *Router) attemptTimeout(plan *scheduler.Plan) time.Duration {
	if plan.TimeoutsMs.TotalMs > 0 {
		return time.Duration(plan.TimeoutsMs.TotalMs) * time.Millisecond
	}
	sec := r.defaultTimeout()
	if sec <= 0 {
		sec = defaultTimeoutSec
	}
	return time.Duration(sec) * time.Second
}

func defaultTimeoutFromEnv() int {
	if n, err := parsePositive(os.Getenv(EnvDefaultTimeoutSec)); err == nil {
		return n
	}
	return defaultTimeoutSec
}

// emitAttempt emits the one engine_selection trace this attempt owns.
func (r *Router) emitAttempt(req scheduler.Request, plan *scheduler.Plan, eng *registry.Engine, mode trace.Mode, reason string) {
	t := trace.New(trace.KindEngineSelection, mode, reason)
	t.RequestID = req.RequestID
	t.SessionID = req.SessionID
	t.Engine = eng.ID
	t.LocalOK = eng.Local()
	t.Extra = planExtra(plan)
	r.emitter.Emit(t)
}

// emitRouting emits the transport-path trace for a successful call.
func (r *Router) emitRouting(req scheduler.Request, eng *registry.Engine) {
	t := trace.New(trace.KindRouting, routingMode(eng), trace.ReasonSuccess)
	t.RequestID = req.RequestID
	t.SessionID = req.SessionID
	t.Engine = eng.ID
	t.LocalOK = eng.Local()
	r.emitter.Emit(t)
}

// routingMode derives the transport path from engine tags.
func routingMode(eng *registry.Engine) trace.Mode {
	switch {
	case eng.HasTag(registry.TagDedicated):
		return trace.ModeDedicated
	case eng.HasTag(registry.TagTailscale):
		return trace.ModeTailscale
	case eng.Booster():
		return trace.ModeCloud
	default:
		return trace.ModeLAN
	}
}

// shadowCompare consults the gateway after the fact when shadow mode is on.
// Purely observational: outcomes are traced, errors swallowed.
func (r *Router) shadowCompare(ctx context.Context, req scheduler.Request, env *Envelope) {
	if r.gw == nil || !r.shadowOn() || env.Degraded || env.Cancelled {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			t := trace.New(trace.KindEngineSelection, trace.ModeShadow, trace.ReasonShadowError)
			t.RequestID = req.RequestID
			r.emitter.Emit(t)
		}
	}()

	res := r.gw.Resolve(ctx, req.TaskType, gateway.PhaseWildcard)

	reason := trace.ReasonGatewayShadowCompare
	if len(res.Candidates) > 0 && res.Candidates[0] == env.EngineID {
		reason = trace.ReasonSameChoice
	}

	t := trace.New(trace.KindEngineSelection, trace.ModeShadow, reason)
	t.RequestID = req.RequestID
	t.SessionID = req.SessionID
	t.Engine = env.EngineID
	t.Extra = map[string]string{"shadow_profile": res.ProfileID}
	if len(res.Candidates) > 0 {
		t.Extra["shadow_first_candidate"] = res.Candidates[0]
	}
	r.emitter.Emit(t)
}

// planExtra lifts plan trace tags into a trace extra bag.
func planExtra(plan *scheduler.Plan) map[string]string {
	if len(plan.TraceTags) == 0 {
		return nil
	}
	extra := make(map[string]string, len(plan.TraceTags))
	for k, v := range plan.TraceTags {
		extra[k] = v
	}
	return extra
}

// overlay merges plan params over engine defaults; plan wins.
func overlay(defaults, params map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}
