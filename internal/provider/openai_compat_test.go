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

	"github.com/denislab/denis/internal/hop"
	"github.com/denislab/denis/internal/registry"
)

func oaiEngine(endpoint string) *registry.Engine {
	return &registry.Engine{
		ID:         "local-llama",
		Family:     registry.FamilyLlamaCpp,
		Endpoint:   endpoint,
		Model:      "qwen2.5-7b",
		Tags:       []string{registry.TagLocal},
		CostFactor: 0.001,
	}
}

func oaiBody(content string, promptTokens, completionTokens int) string {
	resp := map[string]any{
		"model": "qwen2.5-7b",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestChatSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body oaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen2.5-7b", body.Model)
		assert.Equal(t, 256, body.MaxTokens)

		w.Write([]byte(oaiBody("hello there", 10, 5)))
	}))
	defer server.Close()

	adapter := newOpenAICompat(oaiEngine(server.URL), "")
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}},
		time.Second, map[string]any{"max_tokens": 256})

	require.True(t, res.Success)
	assert.Equal(t, "hello there", res.Response)
	assert.Equal(t, registry.FamilyLlamaCpp, res.ProviderFamily)
	assert.Equal(t, "local-llama", res.EngineID)
	assert.Equal(t, 10, res.InputTokens)
	assert.Equal(t, 5, res.OutputTokens)
	assert.InDelta(t, 15.0/1000.0*0.001, res.CostUSDEstimated, 1e-12)
	assert.Empty(t, res.Error)
}

func TestChatHTTPErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := newOpenAICompat(oaiEngine(server.URL), "")
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, time.Second, nil)

	require.False(t, res.Success)
	assert.Equal(t, "llamacpp_http_500", res.Error)
	assert.Contains(t, res.Raw, "overloaded")
}

func TestChatEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"qwen2.5-7b","choices":[]}`))
	}))
	defer server.Close()

	adapter := newOpenAICompat(oaiEngine(server.URL), "")
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, time.Second, nil)

	require.False(t, res.Success)
	assert.Equal(t, "llamacpp_empty_response", res.Error)
}

func TestChatTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(oaiBody("late", 1, 1)))
	}))
	defer server.Close()

	adapter := newOpenAICompat(oaiEngine(server.URL), "")
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, 20*time.Millisecond, nil)

	require.False(t, res.Success)
	assert.Equal(t, "llamacpp_timeout", res.Error)
	assert.True(t, IsTimeout(res.Error))
}

func TestChatCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	adapter := newOpenAICompat(oaiEngine(server.URL), "")
	res := adapter.Chat(ctx, []Message{{Role: "user", Content: "hi"}}, 10*time.Second, nil)

	require.False(t, res.Success)
	assert.Equal(t, ErrCancelled, res.Error)
}

func TestChatTransportError(t *testing.T) {
	// Unroutable endpoint: connection refused.
	adapter := newOpenAICompat(oaiEngine("http://127.0.0.1:1"), "")
	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, time.Second, nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "exception:")
}

func TestChatPropagatesHopHeader(t *testing.T) {
	var gotHop string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHop = r.Header.Get(hop.Header)
		w.Write([]byte(oaiBody("ok", 1, 1)))
	}))
	defer server.Close()

	adapter := newOpenAICompat(oaiEngine(server.URL), "")
	ctx := hop.WithHop(context.Background(), 1)
	res := adapter.Chat(ctx, []Message{{Role: "user", Content: "hi"}}, time.Second, nil)

	require.True(t, res.Success)
	assert.Equal(t, "2", gotHop)
}

func TestChatBearerAuthFromKeyEnv(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(oaiBody("ok", 1, 1)))
	}))
	defer server.Close()

	eng := oaiEngine(server.URL)
	eng.Family = registry.FamilyGroq
	adapter := newOpenAICompat(eng, "GROQ_API_KEY")

	res := adapter.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, time.Second, nil)
	require.True(t, res.Success)
	assert.Equal(t, "Bearer gsk-test", gotAuth)
}

func TestAvailable(t *testing.T) {
	local := newOpenAICompat(oaiEngine("http://127.0.0.1:8080"), "")
	assert.True(t, local.Available())

	noEndpoint := newOpenAICompat(oaiEngine(""), "")
	assert.False(t, noEndpoint.Available())

	t.Setenv("GROQ_API_KEY", "")
	keyed := newOpenAICompat(oaiEngine("http://x"), "GROQ_API_KEY")
	assert.False(t, keyed.Available())

	t.Setenv("GROQ_API_KEY", "gsk")
	assert.True(t, keyed.Available())
}

func TestNewResolvesEveryKnownFamily(t *testing.T) {
	for family := range registry.KnownFamilies {
		eng := oaiEngine("http://x")
		eng.Family = family
		adapter, err := New(eng)
		require.NoError(t, err, "family %s", family)
		assert.Equal(t, string(family), adapter.Name())
	}

	eng := oaiEngine("http://x")
	eng.Family = "ollama"
	_, err := New(eng)
	assert.Error(t, err)
}
