package trace

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/denislab/denis/internal/graph"
	"github.com/denislab/denis/internal/logging"
)

// queueDepth bounds the emission queue. Traces are best-effort: when the
// queue is full the trace is dropped rather than back-pressuring the router.
const queueDepth = 256

// recentDepth bounds the in-memory ring served to live dashboards.
const recentDepth = 128

// Emitter persists traces to the graph sink, fire-and-forget. Emission never
// raises into the caller; sink failures are logged at warn and dropped, and
// emissions after Close are dropped the same way.
type Emitter struct {
	client graph.Client
	log    zerolog.Logger

	queue chan Trace
	done  chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	recent []Trace
}

// NewEmitter starts the drain goroutine over the given sink.
func NewEmitter(client graph.Client) *Emitter {
	e := &Emitter{
		client: client,
		log:    logging.Component("trace"),
		queue:  make(chan Trace, queueDepth),
		done:   make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit enqueues a trace. Non-blocking: a full queue drops the trace, as does
// an emitter that has been closed.
func (e *Emitter) Emit(t Trace) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.recent = append(e.recent, t)
	if len(e.recent) > recentDepth {
		e.recent = e.recent[len(e.recent)-recentDepth:]
	}

	// The send stays under the lock so Close cannot close the queue between
	// the flag check and the send; the send itself never blocks.
	select {
	case e.queue <- t:
	default:
		e.log.Warn().Str("trace_id", t.TraceID).Msg("trace queue full, dropping")
	}
}

// Recent returns the rolling window of recent traces, newest last.
func (e *Emitter) Recent() []Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trace(nil), e.recent...)
}

// Close flushes the queue and stops the drain goroutine. Safe to call more
// than once; concurrent callers all return after the flush completes.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		<-e.done
	})
}

func (e *Emitter) drain() {
	defer close(e.done)
	for t := range e.queue {
		e.write(t)
	}
}

// write persists one trace node and its relations. Errors never escape.
func (e *Emitter) write(t Trace) {
	props := map[string]any{
		"key":        "DecisionTrace:" + t.TraceID,
		"id":         t.TraceID,
		"ts":         t.TS.Format(time.RFC3339Nano),
		"kind":       string(t.Kind),
		"mode":       string(t.Mode),
		"reason":     t.Reason,
		"request_id": t.RequestID,
		"session_id": t.SessionID,
		"turn_id":    t.TurnID,
		"intent":     t.Intent,
		"engine":     t.Engine,
		"tool":       t.Tool,
		"local_ok":   t.LocalOK,
	}
	if t.PlanCandidate != "" {
		props["plan_candidate"] = t.PlanCandidate
	}
	if t.Confidence != 0 {
		props["confidence"] = t.Confidence
	}
	if len(t.Policies) > 0 {
		props["policies"] = t.Policies
	}
	if len(t.Extra) > 0 {
		props["extra"] = t.Extra
	}

	if err := e.client.CreateNode([]string{"DecisionTrace"}, props); err != nil {
		e.log.Warn().Err(err).Str("trace_id", t.TraceID).Msg("trace node write failed, dropping")
		return
	}

	key := "DecisionTrace:" + t.TraceID
	relations := []struct{ rel, target string }{
		{"ABOUT_INTENT", withLabel("Intent", t.Intent)},
		{"SELECTED_ENGINE", withLabel("Engine", t.Engine)},
		{"ABOUT_TOOL", withLabel("Tool", t.Tool)},
		{"ABOUT_TURN", withLabel("Turn", t.TurnID)},
	}
	for _, r := range relations {
		if r.target == "" {
			continue
		}
		if err := e.client.MergeRelation(key, r.rel, r.target); err != nil {
			e.log.Warn().Err(err).Str("trace_id", t.TraceID).Str("rel", r.rel).
				Msg("trace relation merge failed")
		}
	}
}

func withLabel(label, name string) string {
	if name == "" {
		return ""
	}
	return label + ":" + name
}
