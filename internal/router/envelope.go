package router

import (
	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/scheduler"
)

// LLMDegradedFallback is the llm_used value of a synthetic envelope returned
// when every attempt failed.
const LLMDegradedFallback = "degraded_fallback"

// DegradedPlaceholder is the deterministic response body of a degraded
// envelope. Callers key UX off Degraded, not off this text.
const DegradedPlaceholder = "I could not reach any language model backend. Please try again in a moment."

// MetaPathBlockedHop marks an envelope answered by the loop guard.
const MetaPathBlockedHop = "blocked_hop"

// SkippedEngine records a chain entry passed over without an attempt.
type SkippedEngine struct {
	EngineID  string `json:"engine_id"`
	Reason    string `json:"reason"`
	Misconfig bool   `json:"misconfig,omitempty"`
}

// Envelope is the single response shape of Route. It is always returned
// populated; the only error Route raises is request-shape misuse detected
// before any adapter call.
type Envelope struct {
	Response       string            `json:"response"`
	LLMUsed        string            `json:"llm_used"`
	EngineID       string            `json:"engine_id"`
	ModelSelected  string            `json:"model_selected"`
	LatencyMs      int64             `json:"latency_ms"`
	InputTokens    int               `json:"input_tokens"`
	OutputTokens   int               `json:"output_tokens"`
	CostUSD        float64           `json:"cost_usd"`
	FallbackUsed   bool              `json:"fallback_used"`
	Attempts       int               `json:"attempts"`
	InferencePlan  *scheduler.Plan   `json:"inference_plan,omitempty"`
	SkippedEngines []SkippedEngine   `json:"skipped_engines"`
	InternetStatus health.Status     `json:"internet_status"`
	Degraded       bool              `json:"degraded"`
	Cancelled      bool              `json:"cancelled,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}
