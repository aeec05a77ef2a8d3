package graph

import "sync"

// Node is one stored node in the in-memory client.
type Node struct {
	Key    string
	Labels []string
	Props  map[string]any
}

// Relation is one stored relation in the in-memory client.
type Relation struct {
	FromKey string
	RelType string
	ToKey   string
}

// MemoryClient is an in-memory Client for tests and for deployments that do
// not persist decision traces.
type MemoryClient struct {
	mu        sync.Mutex
	nodes     []Node
	relations []Relation

	// FailWrites makes every operation fail; used to test the emitter's
	// drop-and-log behavior.
	FailWrites bool
}

// NewMemoryClient builds an empty in-memory graph.
func NewMemoryClient() *MemoryClient { return &MemoryClient{} }

// CreateNode implements Client.
func (m *MemoryClient) CreateNode(labels []string, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errSinkUnavailable
	}
	m.nodes = append(m.nodes, Node{
		Key:    nodeKey(labels, props),
		Labels: append([]string(nil), labels...),
		Props:  normalizeProps(props),
	})
	return nil
}

// MergeRelation implements Client.
func (m *MemoryClient) MergeRelation(fromKey, relType, toKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errSinkUnavailable
	}
	for _, r := range m.relations {
		if r.FromKey == fromKey && r.RelType == relType && r.ToKey == toKey {
			return nil
		}
	}
	m.relations = append(m.relations, Relation{FromKey: fromKey, RelType: relType, ToKey: toKey})
	return nil
}

// Nodes returns a copy of all stored nodes.
func (m *MemoryClient) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Node(nil), m.nodes...)
}

// Relations returns a copy of all stored relations.
func (m *MemoryClient) Relations() []Relation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Relation(nil), m.relations...)
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const errSinkUnavailable = sinkError("graph sink unavailable")
