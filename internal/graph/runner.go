package graph

import (
	"fmt"
)

// StepResult records one executed node.
type StepResult struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name,omitempty"`
	Output string `json:"output,omitempty"`
}

// RunResult is the outcome of executing a graph.
type RunResult struct {
	GraphID string       `json:"graph_id"`
	Steps   []StepResult `json:"steps"`
}

// maxSteps guards against cycles introduced through decision routing.
const maxSteps = 1000

// Run walks the graph from its entry node. Task nodes emit their
// configured "output"; decision nodes follow the outgoing edge whose
// label equals the node's "choice" (or, when the choice is empty, the sole
// outgoing edge).
func Run(doc *Document, inputs map[string]string) (*RunResult, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	node, err := doc.start()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Node, len(doc.Nodes))
	for i := range doc.Nodes {
		byID[doc.Nodes[i].ID] = &doc.Nodes[i]
	}
	outgoing := make(map[string][]Edge)
	for _, e := range doc.Edges {
		outgoing[e.From] = append(outgoing[e.From], e)
	}

	result := &RunResult{GraphID: doc.ID}
	for steps := 0; node != nil; steps++ {
		if steps >= maxSteps {
			return nil, fmt.Errorf("graph exceeded %d steps, aborting", maxSteps)
		}

		step := StepResult{NodeID: node.ID, Name: node.Name}
		var next *Node

		switch node.Kind {
		case NodeTask:
			step.Output = resolveValue(node.Config["output"], inputs)
			edges := outgoing[node.ID]
			if len(edges) > 1 {
				return nil, fmt.Errorf("task node %s has %d outgoing edges", node.ID, len(edges))
			}
			if len(edges) == 1 {
				next = byID[edges[0].To]
			}

		case NodeDecision:
			choice := resolveValue(node.Config["choice"], inputs)
			edges := outgoing[node.ID]
			if len(edges) == 0 {
				return nil, fmt.Errorf("decision node %s has no outgoing edges", node.ID)
			}
			for _, e := range edges {
				if e.Label == choice || (choice == "" && len(edges) == 1) {
					next = byID[e.To]
					break
				}
			}
			if next == nil {
				return nil, fmt.Errorf("decision node %s: no edge matches choice %q", node.ID, choice)
			}
			step.Output = choice
		}

		result.Steps = append(result.Steps, step)
		node = next
	}
	return result, nil
}

// resolveValue substitutes "$name" references against the run inputs.
func resolveValue(value string, inputs map[string]string) string {
	if len(value) > 1 && value[0] == '$' {
		if v, ok := inputs[value[1:]]; ok {
			return v
		}
	}
	return value
}
