package router

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/registry"
	"github.com/denislab/denis/internal/scheduler"
)

// Query profiles for the heuristic scorer.
const (
	profileGeneral   = "general"
	profileCodeHeavy = "code_heavy"
	profileComplex   = "complex"
)

const (
	defaultMaxAttempts = 3

	// complexThreshold is the combined message length past which a request
	// counts as complex.
	complexThreshold = 1200

	// largeContext marks engines suited to complex queries.
	largeContext = 16384

	latencyPenalty  = 0.65
	codeBonus       = 0.002
	complexBonus    = 0.0025
	minCostFactor   = 0.01
	minLatencyFloor = 1
)

// legacyPlan builds a plan without a scheduler: every routable engine is
// scored from rolling metrics and the query profile, best first. Used only
// when Route receives no plan; the plan-first path never consults scores.
func (r *Router) legacyPlan(ctx context.Context, req scheduler.Request) *scheduler.Plan {
	status := r.probe.Status(ctx)
	internetOK := status == health.StatusOK

	var candidates []*registry.Engine
	for _, eng := range r.reg.List(registry.Filter{}) {
		if eng.Booster() && !internetOK {
			continue
		}
		if !eng.Local() && !eng.Booster() {
			continue
		}
		candidates = append(candidates, eng)
	}

	profile := classifyQuery(req)

	type scored struct {
		eng   *registry.Engine
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, eng := range candidates {
		ranked = append(ranked, scored{eng: eng, score: r.score(eng, req, profile)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].eng.ID < ranked[j].eng.ID
	})

	maxAttempts := r.maxAttempts()
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if len(ranked) > maxAttempts {
		ranked = ranked[:maxAttempts]
	}

	plan := &scheduler.Plan{
		TimeoutsMs: scheduler.Timeouts{
			ConnectMs: scheduler.DefaultConnectTimeoutMs,
			TotalMs:   scheduler.DefaultTotalTimeoutMs,
		},
		TraceTags: map[string]string{
			"mode":                    "legacy_heuristic",
			"assumption":              "derived_from_query_profile",
			"query_profile":           profile,
			"internet_status_at_plan": string(status),
		},
		AttemptPolicy: scheduler.AttemptPolicy{
			MaxAttempts: maxAttempts,
			RetryOn:     []string{scheduler.RetryTimeout, scheduler.Retry5xx},
		},
	}
	for i, s := range ranked {
		if i == 0 {
			plan.PrimaryEngineID = s.eng.ID
			plan.ExpectedModel = s.eng.Model
			continue
		}
		plan.FallbackEngineIDs = append(plan.FallbackEngineIDs, s.eng.ID)
	}

	r.log.Debug().
		Str("request_id", req.RequestID).
		Str("query_profile", profile).
		Str("primary", plan.PrimaryEngineID).
		Strs("fallbacks", plan.FallbackEngineIDs).
		Msg("legacy heuristic plan assembled")

	return plan
}

// score combines rolling metrics with the query profile. Higher is better.
// The cost factor scales the score up: at this stage price proxies capability,
// and the clamp keeps free local engines from zeroing out.
func (r *Router) score(eng *registry.Engine, req scheduler.Request, profile string) float64 {
	d := r.store.Derive(eng.ID)

	p95 := d.LatencyP95Ms
	if p95 < minLatencyFloor {
		p95 = minLatencyFloor
	}

	cost := eng.CostFactor
	if cost < minCostFactor {
		cost = minCostFactor
	}

	score := (1.0 / float64(p95)) * d.Availability * (1.0 - d.ErrorRate1h) * cost

	switch profile {
	case profileCodeHeavy:
		if strings.Contains(strings.ToLower(eng.Model), "code") {
			score += codeBonus
		}
	case profileComplex:
		if eng.MaxContext >= largeContext {
			score += complexBonus
		}
	}

	if req.MaxLatencyMs > 0 && d.LatencyP95Ms > req.MaxLatencyMs {
		score *= latencyPenalty
	}

	return score
}

// classifyQuery buckets the request into a coarse profile from its messages.
func classifyQuery(req scheduler.Request) string {
	var total int
	var codeMarkers int
	for _, m := range req.Payload.Messages {
		total += len(m.Content)
		if strings.Contains(m.Content, "```") ||
			strings.Contains(m.Content, "func ") ||
			strings.Contains(m.Content, "def ") ||
			strings.Contains(m.Content, "class ") {
			codeMarkers++
		}
	}
	switch {
	case codeMarkers > 0:
		return profileCodeHeavy
	case total > complexThreshold:
		return profileComplex
	default:
		return profileGeneral
	}
}

func maxAttemptsFromEnv() int {
	if n, err := parsePositive(os.Getenv(EnvMaxAttempts)); err == nil {
		return n
	}
	return defaultMaxAttempts
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("non-positive value %d", n)
	}
	return n, nil
}
