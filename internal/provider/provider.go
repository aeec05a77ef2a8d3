// Package provider normalizes every LLM backend family to a single result
// envelope. Adapters never raise across their boundary: any rejection,
// timeout, or malformed payload becomes a CallResult with Success=false and
// a terse error code.
package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/denislab/denis/internal/registry"
)

// MaxErrorBodySize limits how much of an error response body is read.
// Prevents memory exhaustion from malformed or hostile backends.
const MaxErrorBodySize = 1 * 1024 * 1024

// Message is one role-tagged conversation entry.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// CallResult is the envelope every adapter returns. Exactly one of
// (Response non-empty, Success=true) or (Error set, Success=false) holds.
type CallResult struct {
	ProviderFamily   registry.Family `json:"provider_family"`
	EngineID         string          `json:"engine_id"`
	Model            string          `json:"model"`
	Response         string          `json:"response"`
	InputTokens      int             `json:"input_tokens"`
	OutputTokens     int             `json:"output_tokens"`
	LatencyMs        int64           `json:"latency_ms"`
	CostUSDEstimated float64         `json:"cost_usd_estimated"`
	Raw              string          `json:"raw,omitempty"`
	Error            string          `json:"error,omitempty"`
	Success          bool            `json:"success"`
}

// Adapter is the single contract shared by every backend family.
type Adapter interface {
	// Name returns the canonical family identifier.
	Name() string

	// Available is a cheap, non-blocking configuration check.
	Available() bool

	// EstimateCost is deterministic and multiplicative on the registered
	// cost factor (USD per 1K total tokens).
	EstimateCost(inputTokens, outputTokens int) float64

	// Chat performs one call bounded by timeout. It honors the supplied
	// timeout exactly, measures latency with a monotonic clock around the
	// whole call, and propagates the loop-guard header outbound.
	Chat(ctx context.Context, messages []Message, timeout time.Duration, params map[string]any) *CallResult
}

// New returns the adapter for an engine's provider family. The family set is
// closed; an engine that reached the registry always resolves here.
func New(e *registry.Engine) (Adapter, error) {
	switch e.Family {
	case registry.FamilyLlamaCpp, registry.FamilyVLLM:
		return newOpenAICompat(e, ""), nil
	case registry.FamilyGroq:
		return newOpenAICompat(e, "GROQ_API_KEY"), nil
	case registry.FamilyOpenRouter:
		return newOpenAICompat(e, "OPENROUTER_API_KEY"), nil
	case registry.FamilyPerplexity:
		return newOpenAICompat(e, "PERPLEXITY_API_KEY"), nil
	case registry.FamilyAnthropic:
		return newAnthropic(e), nil
	default:
		return nil, fmt.Errorf("no adapter for provider family %q", e.Family)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR CODES
// ═══════════════════════════════════════════════════════════════════════════════

// Error code constructors. Codes are short, open-set, snake_case strings;
// consumers must tolerate unknown codes.

func errHTTP(family registry.Family, status int) string {
	return fmt.Sprintf("%s_http_%d", family, status)
}

func errEmpty(family registry.Family) string {
	return fmt.Sprintf("%s_empty_response", family)
}

func errTimeout(family registry.Family) string {
	return fmt.Sprintf("%s_timeout", family)
}

// ErrCancelled is reported when the caller's context was cancelled mid-call.
const ErrCancelled = "cancelled"

func errException(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return "exception:" + msg
}

// IsTimeout reports whether an error code is a per-attempt timeout.
func IsTimeout(code string) bool {
	return strings.HasSuffix(code, "_timeout")
}

// readLimited reads at most max bytes from r.
func readLimited(r io.Reader, max int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, max))
	return b
}
