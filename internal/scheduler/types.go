// Package scheduler builds inference plans under the local-first policy.
// A plan is the only object that carries routing intent across the boundary:
// primary plus ordered fallbacks, budgets, timeouts, and attempt policy.
package scheduler

import (
	"github.com/denislab/denis/internal/provider"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST
// ═══════════════════════════════════════════════════════════════════════════════

// Payload is the model-facing content of a request.
type Payload struct {
	// Messages is the role-tagged conversation. Required.
	Messages []provider.Message `json:"messages"`

	// MaxTokens caps the response length. Zero means engine default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness.
	Temperature float64 `json:"temperature,omitempty"`
}

// Request is one inference request. RequestID is caller-generated and flows
// unchanged into every trace.
type Request struct {
	RequestID    string  `json:"request_id"`
	SessionID    string  `json:"session_id,omitempty"`
	RouteType    string  `json:"route_type,omitempty"` // e.g. "fast_talk", "project"
	TaskType     string  `json:"task_type,omitempty"`
	Payload      Payload `json:"payload"`
	MaxLatencyMs int64   `json:"max_latency_ms,omitempty"`
	MaxCostUSD   float64 `json:"max_cost_usd,omitempty"`
	CancelKey    string  `json:"cancel_key,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLAN
// ═══════════════════════════════════════════════════════════════════════════════

// RetryTimeout and Retry5xx are the attempt-policy retry classes.
const (
	RetryTimeout = "timeout"
	Retry5xx     = "5xx"
)

// AttemptPolicy bounds how far the router walks the chain.
type AttemptPolicy struct {
	MaxAttempts int      `json:"max_attempts"`
	RetryOn     []string `json:"retry_on"` // subset of {timeout, 5xx}
}

// Retries reports whether the policy advances past a failure of the given
// retry class.
func (p AttemptPolicy) Retries(class string) bool {
	for _, c := range p.RetryOn {
		if c == class {
			return true
		}
	}
	return false
}

// Timeouts holds the per-attempt time budgets in milliseconds.
type Timeouts struct {
	ConnectMs int64 `json:"connect_ms"`
	TotalMs   int64 `json:"total_ms"`
}

// Budget holds the planned token and cost envelope. MaxCostUSD, when set, is
// a profile-supplied cost ceiling the router enforces alongside the request's
// own ceiling.
type Budget struct {
	PlannedTokens  int     `json:"planned_tokens"`
	PlannedCostUSD float64 `json:"planned_cost_usd"`
	MaxCostUSD     float64 `json:"max_cost_usd,omitempty"`
}

// Plan is an immutable description of what a single request will attempt.
// Every engine id it names resolves in the registry at the moment of emission.
type Plan struct {
	PrimaryEngineID   string            `json:"primary_engine_id"`
	FallbackEngineIDs []string          `json:"fallback_engine_ids"`
	ExpectedModel     string            `json:"expected_model,omitempty"`
	Params            map[string]any    `json:"params,omitempty"`
	TimeoutsMs        Timeouts          `json:"timeouts_ms"`
	Budget            Budget            `json:"budget"`
	TraceTags         map[string]string `json:"trace_tags,omitempty"`
	AttemptPolicy     AttemptPolicy     `json:"attempt_policy"`
}

// Chain returns [primary] ++ fallbacks in attempt order.
func (p *Plan) Chain() []string {
	chain := make([]string, 0, 1+len(p.FallbackEngineIDs))
	chain = append(chain, p.PrimaryEngineID)
	chain = append(chain, p.FallbackEngineIDs...)
	return chain
}
