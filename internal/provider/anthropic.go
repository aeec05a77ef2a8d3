package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/denislab/denis/internal/hop"
	"github.com/denislab/denis/internal/registry"
)

const anthropicVersion = "2023-06-01"

// anthropicAdapter speaks the Anthropic messages wire. System messages move
// out of the messages array into the top-level system field.
type anthropicAdapter struct {
	engine *registry.Engine
	client *http.Client
}

func newAnthropic(e *registry.Engine) *anthropicAdapter {
	return &anthropicAdapter{engine: e, client: &http.Client{}}
}

func (p *anthropicAdapter) Name() string { return string(registry.FamilyAnthropic) }

func (p *anthropicAdapter) Available() bool {
	return p.engine.Endpoint != "" && os.Getenv("ANTHROPIC_API_KEY") != ""
}

func (p *anthropicAdapter) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens+outputTokens) / 1000.0 * p.engine.CostFactor
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicAdapter) Chat(ctx context.Context, messages []Message, timeout time.Duration, params map[string]any) *CallResult {
	res := &CallResult{
		ProviderFamily: registry.FamilyAnthropic,
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

	body := anthropicRequest{
		Model:       p.engine.Model,
		MaxTokens:   intParam(params, "max_tokens"),
		Temperature: floatParam(params, "temperature"),
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 1024 // the messages API requires max_tokens
	}
	for _, m := range messages {
		if m.Role == "system" {
			if body.System != "" {
				body.System += "\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, m)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fail(errException(err))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.engine.Endpoint+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fail(errException(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", os.Getenv("ANTHROPIC_API_KEY"))
	req.Header.Set("anthropic-version", anthropicVersion)
	hop.Inject(ctx, req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(transportCode(ctx, registry.FamilyAnthropic, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		res.Raw = string(readLimited(resp.Body, MaxErrorBodySize))
		return fail(errHTTP(registry.FamilyAnthropic, resp.StatusCode))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fail(errException(err))
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return fail(errEmpty(registry.FamilyAnthropic))
	}

	res.Response = text
	res.InputTokens = parsed.Usage.InputTokens
	res.OutputTokens = parsed.Usage.OutputTokens
	res.LatencyMs = time.Since(start).Milliseconds()
	res.CostUSDEstimated = p.EstimateCost(res.InputTokens, res.OutputTokens)
	res.Success = true
	return res
}
