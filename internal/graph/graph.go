// Package graph provides persisted workflow-graph documents and a
// sequential runner. It backs the graph tool service; the agent core only
// sees the service's MCP surface.
package graph

import (
	"fmt"
	"time"
)

// NodeKind selects a node's behavior during a run.
type NodeKind string

const (
	// NodeTask emits its configured output when reached.
	NodeTask NodeKind = "task"

	// NodeDecision routes to the outgoing edge whose label matches the
	// node's configured choice.
	NodeDecision NodeKind = "decision"
)

// Node is one step in a workflow graph.
type Node struct {
	ID     string            `json:"id"`
	Kind   NodeKind          `json:"kind"`
	Name   string            `json:"name,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

// Edge connects two nodes. Label is consulted by decision nodes.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Document is a persisted workflow graph.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks node references and uniqueness.
func (d *Document) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("graph name is required")
	}
	ids := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id is required")
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		switch n.Kind {
		case NodeTask, NodeDecision:
		default:
			return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
		}
		ids[n.ID] = struct{}{}
	}
	for i, e := range d.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("edges[%d]: unknown node %q", i, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("edges[%d]: unknown node %q", i, e.To)
		}
	}
	return nil
}

// start returns the entry node: the unique node with no incoming edge.
func (d *Document) start() (*Node, error) {
	incoming := make(map[string]int)
	for _, e := range d.Edges {
		incoming[e.To]++
	}
	var start *Node
	for i := range d.Nodes {
		if incoming[d.Nodes[i].ID] == 0 {
			if start != nil {
				return nil, fmt.Errorf("graph has multiple entry nodes")
			}
			start = &d.Nodes[i]
		}
	}
	if start == nil {
		return nil, fmt.Errorf("graph has no entry node")
	}
	return start, nil
}
