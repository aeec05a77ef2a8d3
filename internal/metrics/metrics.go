// Package metrics keeps a rolling window of per-engine call observations.
// Derivations (p95 latency, hourly error rate, availability) are computed on
// read; the plan-first routing path records but does not consult them, the
// legacy heuristic path reads them for scoring.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// windowSize bounds the per-engine observation queue.
const windowSize = 512

// Observation is one recorded call.
type Observation struct {
	TS        time.Time
	LatencyMs int64
	Success   bool
}

// Derived holds the read-time derivations for one engine.
type Derived struct {
	LatencyP95Ms int64   `json:"latency_p95_ms"`
	ErrorRate1h  float64 `json:"error_rate_1h"`
	Availability float64 `json:"availability"`
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	CostUSD      float64 `json:"cost_usd"`
}

// engineStats is the per-engine slot. Counters are atomic; the bounded window
// and cost accumulator sit behind a fine-grained mutex.
type engineStats struct {
	calls  atomic.Int64
	errors atomic.Int64

	mu      sync.Mutex
	window  []Observation // ring, oldest first
	costUSD float64
}

// Store is the rolling metrics store. Safe for concurrent use; no lock is
// ever held across IO.
type Store struct {
	mu      sync.RWMutex
	engines map[string]*engineStats
	now     func() time.Time // injectable clock for tests
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		engines: make(map[string]*engineStats),
		now:     time.Now,
	}
}

// SetClock replaces the wall clock. Test-only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) slot(engineID string) *engineStats {
	s.mu.RLock()
	es := s.engines[engineID]
	s.mu.RUnlock()
	if es != nil {
		return es
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if es = s.engines[engineID]; es == nil {
		es = &engineStats{}
		s.engines[engineID] = es
	}
	return es
}

// Record stores one call outcome for an engine.
func (s *Store) Record(engineID string, latencyMs int64, success bool, costUSD float64) {
	es := s.slot(engineID)

	es.calls.Add(1)
	if !success {
		es.errors.Add(1)
	}

	es.mu.Lock()
	es.window = append(es.window, Observation{TS: s.now(), LatencyMs: latencyMs, Success: success})
	if len(es.window) > windowSize {
		es.window = es.window[len(es.window)-windowSize:]
	}
	es.costUSD += costUSD
	es.mu.Unlock()
}

// Derive computes the read-time derivations for one engine. An engine with no
// observations derives as fully available with zero latency.
func (s *Store) Derive(engineID string) Derived {
	s.mu.RLock()
	es := s.engines[engineID]
	s.mu.RUnlock()

	if es == nil {
		return Derived{Availability: 1.0}
	}

	calls := es.calls.Load()
	errors := es.errors.Load()

	es.mu.Lock()
	window := make([]Observation, len(es.window))
	copy(window, es.window)
	cost := es.costUSD
	es.mu.Unlock()

	d := Derived{Calls: calls, Errors: errors, CostUSD: cost, Availability: 1.0}
	if len(window) == 0 {
		return d
	}

	// p95 over the whole window
	lat := make([]int64, len(window))
	for i, o := range window {
		lat[i] = o.LatencyMs
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	idx := (len(lat)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	d.LatencyP95Ms = lat[idx]

	// error rate over the trailing hour
	cutoff := s.now().Add(-time.Hour)
	var hourCalls, hourErrors int
	for _, o := range window {
		if o.TS.Before(cutoff) {
			continue
		}
		hourCalls++
		if !o.Success {
			hourErrors++
		}
	}
	if hourCalls > 0 {
		d.ErrorRate1h = float64(hourErrors) / float64(hourCalls)
	}

	// availability over the whole window
	var ok int
	for _, o := range window {
		if o.Success {
			ok++
		}
	}
	d.Availability = float64(ok) / float64(len(window))

	return d
}

// Snapshot returns derivations for every recorded engine.
func (s *Store) Snapshot() map[string]Derived {
	s.mu.RLock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]Derived, len(ids))
	for _, id := range ids {
		out[id] = s.Derive(id)
	}
	return out
}

// Reset clears all recorded observations. Test-only.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines = make(map[string]*engineStats)
}
