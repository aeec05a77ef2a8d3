package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngines() []Engine {
	return []Engine{
		{ID: "booster-groq", Family: FamilyGroq, Endpoint: "https://api.groq.com/openai/v1", Model: "llama-3.1-70b", Priority: 5, Tags: []string{TagInternetRequired, TagBooster}, MaxContext: 32768, CostFactor: 0.0006},
		{ID: "local-llama", Family: FamilyLlamaCpp, Endpoint: "http://127.0.0.1:8080/v1", Model: "qwen2.5-7b", Priority: 10, Tags: []string{TagLocal, TagLAN}, MaxContext: 8192},
		{ID: "local-vllm", Family: FamilyVLLM, Endpoint: "http://10.0.0.2:8000/v1", Model: "qwen2.5-32b", Priority: 20, Tags: []string{TagLocal, TagDedicated}, MaxContext: 32768},
	}
}

func TestLoadParsesDescriptor(t *testing.T) {
	data := []byte(`
engines:
  - id: local-llama
    family: llamacpp
    endpoint: http://127.0.0.1:8080/v1
    model: qwen2.5-7b
    priority: 10
    tags: [local]
    max_context: 8192
    default_params:
      temperature: 0.2
  - id: booster-groq
    family: groq
    endpoint: https://api.groq.com/openai/v1
    model: llama-3.1-70b
    priority: 5
    tags: [internet_required, booster]
    cost_factor: 0.0006
`)
	reg, err := Load(data, Options{Strict: true})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	eng := reg.Get("local-llama")
	require.NotNil(t, eng)
	assert.Equal(t, FamilyLlamaCpp, eng.Family)
	assert.True(t, eng.Local())
	assert.False(t, eng.Booster())
	assert.Equal(t, 0.2, eng.DefaultParams["temperature"])
}

func TestListOrdersByPriorityThenID(t *testing.T) {
	reg, err := New(testEngines(), Options{})
	require.NoError(t, err)

	var ids []string
	for _, e := range reg.List(Filter{}) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"booster-groq", "local-llama", "local-vllm"}, ids)
}

func TestListFilters(t *testing.T) {
	reg, err := New(testEngines(), Options{})
	require.NoError(t, err)

	locals := reg.List(Filter{Tags: []string{TagLocal}})
	require.Len(t, locals, 2)
	assert.Equal(t, "local-llama", locals[0].ID)

	groq := reg.List(Filter{Family: FamilyGroq})
	require.Len(t, groq, 1)
	assert.Equal(t, "booster-groq", groq[0].ID)

	cheap := reg.List(Filter{MaxPriority: 10})
	require.Len(t, cheap, 2)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	reg, err := New(testEngines(), Options{})
	require.NoError(t, err)
	assert.Nil(t, reg.Get("no-such-engine"))
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		engines []Engine
		wantErr string
	}{
		{
			name:    "empty id",
			engines: []Engine{{Family: FamilyLlamaCpp}},
			wantErr: "empty id",
		},
		{
			name: "duplicate id",
			engines: []Engine{
				{ID: "a", Family: FamilyLlamaCpp, Endpoint: "http://a", Model: "m1"},
				{ID: "a", Family: FamilyVLLM, Endpoint: "http://b", Model: "m2"},
			},
			wantErr: "duplicate engine id",
		},
		{
			name:    "negative priority",
			engines: []Engine{{ID: "a", Family: FamilyLlamaCpp, Priority: -1}},
			wantErr: "priority",
		},
		{
			name:    "negative cost factor",
			engines: []Engine{{ID: "a", Family: FamilyLlamaCpp, CostFactor: -0.1}},
			wantErr: "cost_factor",
		},
		{
			name: "shared endpoint and model",
			engines: []Engine{
				{ID: "a", Family: FamilyLlamaCpp, Endpoint: "http://x", Model: "m"},
				{ID: "b", Family: FamilyVLLM, Endpoint: "http://x", Model: "m"},
			},
			wantErr: "share endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.engines, Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUnknownFamilyStrictFailsLenientDrops(t *testing.T) {
	engines := []Engine{
		{ID: "good", Family: FamilyLlamaCpp, Endpoint: "http://a", Model: "m"},
		{ID: "bad", Family: "ollama", Endpoint: "http://b", Model: "m"},
	}

	_, err := New(engines, Options{Strict: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider family")

	reg, err := New(engines, Options{Strict: false})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
	assert.Nil(t, reg.Get("bad"))
}

func TestDuplicateIDCaughtAfterLenientDrop(t *testing.T) {
	engines := []Engine{
		{ID: "dup", Family: "ollama", Endpoint: "http://a", Model: "m1"},
		{ID: "dup", Family: FamilyLlamaCpp, Endpoint: "http://b", Model: "m2"},
	}

	_, err := New(engines, Options{Strict: false})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate engine id")
}

func TestHashIsStableAndSensitive(t *testing.T) {
	a, err := New(testEngines(), Options{})
	require.NoError(t, err)
	b, err := New(testEngines(), Options{})
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)

	changed := testEngines()
	changed[0].Priority = 99
	c, err := New(changed, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestResetClearsCatalog(t *testing.T) {
	reg, err := New(testEngines(), Options{})
	require.NoError(t, err)
	reg.Reset()
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.List(Filter{}))
}
