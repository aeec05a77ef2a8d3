// Package trace records routing decisions as append-only events tied to the
// property graph. A trace is created at the instant a choice is committed and
// never updated; subsequent events produce new traces referencing the same
// request id.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a decision event.
type Kind string

const (
	KindEngineSelection Kind = "engine_selection"
	KindToolApproval    Kind = "tool_approval"
	KindPlanSelection   Kind = "plan_selection"
	KindRouting         Kind = "routing"
	KindResearch        Kind = "research"
	KindPolicyEval      Kind = "policy_eval"
)

// Mode is the per-kind decision mode.
type Mode string

// engine_selection modes. OFFLOAD is reserved: declared for a future
// remote-scheduler handoff, no code path emits it yet.
const (
	ModePrimary  Mode = "PRIMARY"
	ModeOffload  Mode = "OFFLOAD"
	ModeDegraded Mode = "DEGRADED"
	ModeFallback Mode = "FALLBACK"
	ModeShadow   Mode = "SHADOW"
)

// tool_approval modes.
const (
	ModeApproved      Mode = "APPROVED"
	ModeRequiresHuman Mode = "REQUIRES_HUMAN"
	ModeBlocked       Mode = "BLOCKED"
)

// plan_selection modes.
const (
	ModeSelected Mode = "SELECTED"
	ModeGated    Mode = "GATED"
)

// routing modes, derived from engine tags.
const (
	ModeDedicated Mode = "DEDICATED"
	ModeLAN       Mode = "LAN"
	ModeTailscale Mode = "TAILSCALE"
	ModeCloud     Mode = "CLOUD"
)

// research modes.
const (
	ModeFast      Mode = "FAST"
	ModeDeep      Mode = "DEEP"
	ModeWebOnly   Mode = "WEB_ONLY"
	ModeGraphOnly Mode = "GRAPH_ONLY"
)

// policy_eval modes.
const (
	ModePassed  Mode = "PASSED"
	ModeForced  Mode = "FORCED"
	ModeSkipped Mode = "SKIPPED"
)

// ValidModes enumerates the legal modes per kind. The reason-code set is
// open; the mode set is not.
var ValidModes = map[Kind][]Mode{
	KindEngineSelection: {ModePrimary, ModeOffload, ModeDegraded, ModeFallback, ModeShadow},
	KindToolApproval:    {ModeApproved, ModeRequiresHuman, ModeBlocked},
	KindPlanSelection:   {ModeSelected, ModeFallback, ModeGated},
	KindRouting:         {ModeDedicated, ModeLAN, ModeTailscale, ModeCloud},
	KindResearch:        {ModeFast, ModeDeep, ModeWebOnly, ModeGraphOnly},
	KindPolicyEval:      {ModePassed, ModeBlocked, ModeForced, ModeSkipped},
}

// Well-known reason codes. The set is open; consumers tolerate unknown codes.
const (
	ReasonEngineNotFound       = "engine_not_found_in_registry"
	ReasonNoInternet           = "no_internet"
	ReasonCostLimitExceeded    = "cost_limit_exceeded"
	ReasonCancelled            = "cancelled"
	ReasonSuccess              = "success"
	ReasonAllAttemptsExhausted = "all_attempts_exhausted"
	ReasonSameChoice           = "same_choice"
	ReasonShadowError          = "shadow_error"
	ReasonGatewayShadowCompare = "gateway_shadow_compare"
	ReasonProfileResolved      = "task_profile_resolved"
	ReasonProfileUnroutable    = "profile_candidates_unroutable"
)

// Trace is one decision record. Append-only.
type Trace struct {
	TraceID       string            `json:"trace_id"`
	TS            time.Time         `json:"ts"`
	Kind          Kind              `json:"kind"`
	Mode          Mode              `json:"mode"`
	Reason        string            `json:"reason"`
	RequestID     string            `json:"request_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	TurnID        string            `json:"turn_id,omitempty"`
	Intent        string            `json:"intent,omitempty"`
	Engine        string            `json:"engine,omitempty"`
	Tool          string            `json:"tool,omitempty"`
	PlanCandidate string            `json:"plan_candidate,omitempty"`
	Confidence    float64           `json:"confidence,omitempty"`
	LocalOK       bool              `json:"local_ok"`
	Policies      []string          `json:"policies,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// New stamps a fresh trace id and wall-clock timestamp.
func New(kind Kind, mode Mode, reason string) Trace {
	return Trace{
		TraceID: uuid.NewString(),
		TS:      time.Now().UTC(),
		Kind:    kind,
		Mode:    mode,
		Reason:  reason,
	}
}
