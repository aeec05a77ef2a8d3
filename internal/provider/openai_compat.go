package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/denislab/denis/internal/hop"
	"github.com/denislab/denis/internal/registry"
)

// openAICompat serves every family speaking the OpenAI chat-completions wire:
// llamacpp, vllm (local servers), groq, openrouter, perplexity (key-pool
// gateways). Per-family differences reduce to the auth header and the error
// code prefix.
type openAICompat struct {
	engine    *registry.Engine
	apiKeyEnv string // empty for local families
	client    *http.Client
}

func newOpenAICompat(e *registry.Engine, apiKeyEnv string) *openAICompat {
	// No client-level timeout: the per-call deadline governs.
	return &openAICompat{engine: e, apiKeyEnv: apiKeyEnv, client: &http.Client{}}
}

func (p *openAICompat) Name() string { return string(p.engine.Family) }

// Available reports configuration readiness: local families need only an
// endpoint, key-pool families need their API key.
func (p *openAICompat) Available() bool {
	if p.engine.Endpoint == "" {
		return false
	}
	if p.apiKeyEnv == "" {
		return true
	}
	return os.Getenv(p.apiKeyEnv) != ""
}

func (p *openAICompat) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens+outputTokens) / 1000.0 * p.engine.CostFactor
}

// wire types

type oaiChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAICompat) Chat(ctx context.Context, messages []Message, timeout time.Duration, params map[string]any) *CallResult {
	res := &CallResult{
		ProviderFamily: p.engine.Family,
		EngineID:       p.engine.ID,
		Model:          p.engine.Model,
	}
	start := time.Now()
	fail := func(code string) *CallResult {
		res.LatencyMs = time.Since(start).Milliseconds()
		res.Error = code
		res.Success = false
		return res
	}

	body := oaiChatRequest{
		Model:       p.engine.Model,
		Messages:    messages,
		MaxTokens:   intParam(params, "max_tokens"),
		Temperature: floatParam(params, "temperature"),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fail(errException(err))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.engine.Endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fail(errException(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKeyEnv != "" {
		if key := os.Getenv(p.apiKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	hop.Inject(ctx, req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(transportCode(ctx, p.engine.Family, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Status is enough for the reason code; the body may repeat request
		// content but never our secrets.
		res.Raw = string(readLimited(resp.Body, MaxErrorBodySize))
		return fail(errHTTP(p.engine.Family, resp.StatusCode))
	}

	var parsed oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fail(errException(err))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return fail(errEmpty(p.engine.Family))
	}

	res.Response = parsed.Choices[0].Message.Content
	res.InputTokens = parsed.Usage.PromptTokens
	res.OutputTokens = parsed.Usage.CompletionTokens
	res.LatencyMs = time.Since(start).Milliseconds()
	res.CostUSDEstimated = p.EstimateCost(res.InputTokens, res.OutputTokens)
	res.Success = true
	return res
}

// transportCode maps a transport-level failure to an error class, separating
// the caller's cancellation from the per-attempt deadline.
func transportCode(ctx context.Context, family registry.Family, err error) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errTimeout(family)
	}
	return errException(err)
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
