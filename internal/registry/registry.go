// Package registry is the engine catalog for the Denis inference control plane.
// It is the single source of truth for engine identity: every other component
// resolves engine ids here and nowhere else. The catalog is loaded once from a
// static descriptor and is immutable for the process lifetime.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/denislab/denis/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROVIDER FAMILIES
// ═══════════════════════════════════════════════════════════════════════════════

// Family identifies the wire protocol / client used to talk to a backend.
// The set is closed: adapters exist for exactly these families.
type Family string

const (
	FamilyLlamaCpp   Family = "llamacpp"
	FamilyGroq       Family = "groq"
	FamilyOpenRouter Family = "openrouter"
	FamilyAnthropic  Family = "anthropic"
	FamilyVLLM       Family = "vllm"
	FamilyPerplexity Family = "perplexity"
)

// KnownFamilies is the closed set of provider families.
var KnownFamilies = map[Family]bool{
	FamilyLlamaCpp:   true,
	FamilyGroq:       true,
	FamilyOpenRouter: true,
	FamilyAnthropic:  true,
	FamilyVLLM:       true,
	FamilyPerplexity: true,
}

// ═══════════════════════════════════════════════════════════════════════════════
// TAGS
// ═══════════════════════════════════════════════════════════════════════════════

// Tags that affect routing. Any other tag is metadata.
const (
	TagLocal            = "local"             // reachable without public internet
	TagInternetRequired = "internet_required" // must not be used when health != OK
	TagFast             = "fast"
	TagBooster          = "booster"
	TagDedicated        = "dedicated"
	TagLAN              = "lan"
	TagTailscale        = "tailscale"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is one addressable LLM backend. All fields are immutable after the
// registry is loaded.
type Engine struct {
	// ID is the unique key used in plans and traces.
	ID string `yaml:"id"`

	// Family selects the provider adapter.
	Family Family `yaml:"family"`

	// Endpoint is the absolute URL of the backend (or gateway for families
	// that share an API-key pool).
	Endpoint string `yaml:"endpoint"`

	// Model is the backend's model identifier (opaque to the core).
	Model string `yaml:"model"`

	// Priority orders engines within a bucket; lower is preferred.
	// Ties break by ID lexicographic order.
	Priority int `yaml:"priority"`

	// Tags is the set of routing/metadata tags.
	Tags []string `yaml:"tags"`

	// MaxContext and MaxOutput clamp per-request budgets.
	MaxContext int `yaml:"max_context"`
	MaxOutput  int `yaml:"max_output"`

	// CostFactor is USD per 1K total tokens. Zero means free (local).
	CostFactor float64 `yaml:"cost_factor"`

	// DefaultParams is merged under plan-supplied params.
	DefaultParams map[string]any `yaml:"default_params"`
}

// HasTag reports whether the engine carries the given tag.
func (e *Engine) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Local reports whether the engine is reachable without public internet.
func (e *Engine) Local() bool { return e.HasTag(TagLocal) }

// Booster reports whether the engine requires internet health OK.
func (e *Engine) Booster() bool { return e.HasTag(TagInternetRequired) }

// ═══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// Registry is the static engine catalog. Read-only after Load; guarded by a
// mutex only for the test-only Reset path.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	ordered []string // ids sorted by (priority, id) for deterministic listing
	hash    string
	strict  bool
}

// Options configures registry loading.
type Options struct {
	// Strict makes an unknown provider family a load error. When false the
	// offending engine is dropped with a warning (DENIS_STRICT_ENGINE_REGISTRY).
	Strict bool
}

// descriptor is the on-disk shape of the catalog.
type descriptor struct {
	Engines []Engine `yaml:"engines"`
}

// Load parses a YAML descriptor and validates the catalog invariants.
func Load(data []byte, opts Options) (*Registry, error) {
	var desc descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse engine descriptor: %w", err)
	}
	return fromEngines(desc.Engines, opts)
}

// LoadFile reads a descriptor from disk and loads it.
func LoadFile(path string, opts Options) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine descriptor: %w", err)
	}
	return Load(data, opts)
}

// New builds a registry directly from engine records. Tests and embedded seed
// configurations use this instead of a descriptor file.
func New(engines []Engine, opts Options) (*Registry, error) {
	return fromEngines(engines, opts)
}

func fromEngines(engines []Engine, opts Options) (*Registry, error) {
	log := logging.Component("registry")

	r := &Registry{
		engines: make(map[string]*Engine, len(engines)),
		strict:  opts.Strict,
	}

	endpointModel := make(map[string]string) // endpoint+model -> engine id
	seen := make(map[string]bool, len(engines))

	for i := range engines {
		e := engines[i]

		if e.ID == "" {
			return nil, fmt.Errorf("engine at index %d has empty id", i)
		}
		// Tracked ahead of the family drop: a descriptor repeating an id is
		// malformed even when the first occurrence was dropped.
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate engine id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Priority < 0 {
			return nil, fmt.Errorf("engine %q: priority must be >= 0, got %d", e.ID, e.Priority)
		}
		if e.CostFactor < 0 {
			return nil, fmt.Errorf("engine %q: cost_factor must be >= 0, got %g", e.ID, e.CostFactor)
		}
		if !KnownFamilies[e.Family] {
			if opts.Strict {
				return nil, fmt.Errorf("engine %q: unknown provider family %q", e.ID, e.Family)
			}
			log.Warn().Str("engine", e.ID).Str("family", string(e.Family)).
				Msg("dropping engine with unknown provider family")
			continue
		}

		key := e.Endpoint + "\x00" + e.Model
		if prev, dup := endpointModel[key]; dup {
			return nil, fmt.Errorf("engines %q and %q share endpoint %q and model %q",
				prev, e.ID, e.Endpoint, e.Model)
		}
		endpointModel[key] = e.ID

		r.engines[e.ID] = &e
	}

	r.reindex()
	return r, nil
}

// reindex rebuilds the deterministic ordering and the catalog hash.
func (r *Registry) reindex() {
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.engines[ids[i]], r.engines[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	r.ordered = ids

	h := sha256.New()
	for _, id := range ids {
		e := r.engines[id]
		fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s|%g\n",
			e.ID, e.Family, e.Endpoint, e.Model, e.Priority,
			strings.Join(e.Tags, ","), e.CostFactor)
	}
	r.hash = hex.EncodeToString(h.Sum(nil))[:16]
}

// Get resolves an engine id. Returns nil when the id is unknown.
func (r *Registry) Get(id string) *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[id]
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	// Tags requires every listed tag to be present.
	Tags []string
	// Family restricts to one provider family when non-empty.
	Family Family
	// MaxPriority excludes engines above this priority when > 0.
	MaxPriority int
}

// List returns engines matching the filter, ordered by (priority, id).
func (r *Registry) List(f Filter) []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Engine
	for _, id := range r.ordered {
		e := r.engines[id]
		if f.Family != "" && e.Family != f.Family {
			continue
		}
		if f.MaxPriority > 0 && e.Priority > f.MaxPriority {
			continue
		}
		matched := true
		for _, tag := range f.Tags {
			if !e.HasTag(tag) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Hash returns a short fingerprint of the catalog, surfaced by health().
func (r *Registry) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hash
}

// Reset clears the catalog. Test-only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines = make(map[string]*Engine)
	r.reindex()
}
