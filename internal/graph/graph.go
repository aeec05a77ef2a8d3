// Package graph is the property-graph sink for decision traces. The core
// treats it as an opaque client with two operations; failures are silent at
// the core boundary (the trace emitter logs and drops).
package graph

// Client is the trace sink contract. Node keys are "<Label>:<name>" strings;
// MergeRelation creates endpoint nodes if they do not exist yet.
type Client interface {
	// CreateNode writes a node with the given labels and properties.
	// Map-valued properties are serialized to JSON strings by the caller.
	CreateNode(labels []string, props map[string]any) error

	// MergeRelation ensures a relation of relType between two node keys.
	MergeRelation(fromKey, relType, toKey string) error
}
