package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denislab/denis/internal/registry"
)

func anthropicEngine(endpoint string) *registry.Engine {
	return &registry.Engine{
		ID:         "booster-claude",
		Family:     registry.FamilyAnthropic,
		Endpoint:   endpoint,
		Model:      "claude-sonnet",
		Tags:       []string{registry.TagInternetRequired},
		CostFactor: 0.009,
	}
}

func TestAnthropicChatSuccess(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	var got anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Write([]byte(`{
			"model": "claude-sonnet",
			"content": [{"type":"text","text":"first "},{"type":"text","text":"second"}],
			"usage": {"input_tokens": 20, "output_tokens": 8}
		}`))
	}))
	defer server.Close()

	adapter := newAnthropic(anthropicEngine(server.URL))
	res := adapter.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "system", Content: "be kind"},
		{Role: "user", Content: "hi"},
	}, time.Second, nil)

	require.True(t, res.Success)
	// system messages are folded into the top-level field, not the array
	assert.Equal(t, "be brief\nbe kind", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	// the messages API requires max_tokens; adapter supplies the default
	assert.Equal(t, 1024, got.MaxTokens)

	assert.Equal(t, "first second", res.Response)
	assert.Equal(t, 20, res.InputTokens)
	assert.Equal(t, 8, res.OutputTokens)
	assert.InDelta(t, 28.0/1000.0*0.009, res.CostUSDEstimated, 1e-12)
}

func TestAnthropicHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"rate_limit_error"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := newAnthropic(anthropicEngine(server.URL))
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, time.Second, nil)

	require.False(t, res.Success)
	assert.Equal(t, "anthropic_http_429", res.Error)
}

func TestAnthropicEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"claude-sonnet","content":[]}`))
	}))
	defer server.Close()

	adapter := newAnthropic(anthropicEngine(server.URL))
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, time.Second, nil)

	require.False(t, res.Success)
	assert.Equal(t, "anthropic_empty_response", res.Error)
}

func TestAnthropicAvailableNeedsKey(t *testing.T) {
	adapter := newAnthropic(anthropicEngine("http://x"))

	t.Setenv("ANTHROPIC_API_KEY", "")
	assert.False(t, adapter.Available())

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	assert.True(t, adapter.Available())
}
