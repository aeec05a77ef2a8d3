// Package health tracks public-internet reachability for the control plane.
// The status gates booster (cloud) engine selection. The probe fails open:
// any uncertainty short of a forced override resolves to OK or DOWN, never
// to a blocked control plane.
package health

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/denislab/denis/internal/logging"
)

// Status is the cached reachability state.
type Status string

const (
	StatusOK      Status = "OK"
	StatusDown    Status = "DOWN"
	StatusUnknown Status = "UNKNOWN"
)

// EnvOverride is the environment variable that shadows the probe.
// When set, its value is returned verbatim on every call.
const EnvOverride = "DENIS_INTERNET_STATUS"

// DefaultTTL is how long a probe result stays fresh.
const DefaultTTL = 30 * time.Second

// probeHost is resolved to decide reachability. DNS keeps the probe cheap.
const probeHost = "one.one.one.one"

// Prober performs one reachability check. Swapped out in tests.
type Prober func(ctx context.Context) bool

// Probe is the process-wide internet health record. The cached state sits
// behind mu, which is never held across the reachability check; probeMu
// serializes the checks themselves, so a fresh cache is always readable while
// a probe is in flight.
type Probe struct {
	mu        sync.RWMutex // guards status, lastCheck
	status    Status
	lastCheck time.Time
	ttl       time.Duration

	probeMu sync.Mutex // serializes probes

	probe  Prober
	lookup func(string) string // env lookup, injectable for tests
	log    zerolog.Logger
}

// Option configures a Probe.
type Option func(*Probe)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(p *Probe) { p.ttl = ttl }
}

// WithProber replaces the reachability check.
func WithProber(fn Prober) Option {
	return func(p *Probe) { p.probe = fn }
}

// WithEnvLookup replaces the environment lookup used for the override.
func WithEnvLookup(fn func(string) string) Option {
	return func(p *Probe) { p.lookup = fn }
}

// New builds a Probe with defaults: 30s TTL, DNS probe, real env lookup.
func New(opts ...Option) *Probe {
	p := &Probe{
		status: StatusUnknown,
		ttl:    DefaultTTL,
		probe:  dnsProbe,
		lookup: os.Getenv,
		log:    logging.Component("health"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the current internet status. Contract, in order:
//
//  1. env override set -> returned verbatim, no probe
//  2. cache younger than TTL -> cached value
//  3. one probe; failure yields DOWN, success yields OK
//
// UNKNOWN occurs only when forced by the override.
func (p *Probe) Status(ctx context.Context) Status {
	if v := p.lookup(EnvOverride); v != "" {
		switch Status(v) {
		case StatusOK, StatusDown, StatusUnknown:
			return Status(v)
		}
		p.log.Warn().Str("value", v).Msg("ignoring invalid " + EnvOverride)
	}

	if status, fresh := p.cached(); fresh {
		return status
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	// Another caller may have finished a probe while we waited for probeMu.
	if status, fresh := p.cached(); fresh {
		return status
	}

	ok := p.probe(ctx)

	p.mu.Lock()
	if ok {
		p.status = StatusOK
	} else {
		p.status = StatusDown
	}
	p.lastCheck = time.Now()
	status := p.status
	p.mu.Unlock()
	return status
}

// cached reads the state under the read lock; fresh is false before the first
// probe completes and after the TTL lapses.
func (p *Probe) cached() (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastCheck.IsZero() || time.Since(p.lastCheck) >= p.ttl {
		return p.status, false
	}
	return p.status, true
}

// dnsProbe resolves a well-known address with a short deadline.
func dnsProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var resolver net.Resolver
	addrs, err := resolver.LookupHost(ctx, probeHost)
	return err == nil && len(addrs) > 0
}
