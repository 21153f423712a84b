package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pilotd/pilot/internal/graph"
	"github.com/pilotd/pilot/internal/mcp"
)

// graphService exposes CRUD and execution over the session's persisted
// workflow graphs.
type graphService struct {
	store *graph.Store
}

func newGraphService(cfg map[string]any, deps Deps) (*mcp.Server, error) {
	store, err := graph.NewStore(deps.GraphsDir)
	if err != nil {
		return nil, err
	}
	g := &graphService{store: store}

	s := mcp.NewServer("graph", "1.0.0")
	register := func(name, description, schema string, fn mcp.ToolFunc) error {
		return s.RegisterTool(name, description, json.RawMessage(schema), fn)
	}

	nodeSchema := `"nodes":{"type":"array","description":"Graph nodes","items":{"type":"object",
		"properties":{"id":{"type":"string"},"kind":{"type":"string","enum":["task","decision"]},
		"name":{"type":"string"},"config":{"type":"object"}},"required":["id","kind"]}}`
	edgeSchema := `"edges":{"type":"array","description":"Graph edges","items":{"type":"object",
		"properties":{"from":{"type":"string"},"to":{"type":"string"},"label":{"type":"string"}},
		"required":["from","to"]}}`

	steps := []error{
		register("graph_create", "Create a workflow graph",
			fmt.Sprintf(`{"type":"object","properties":{
				"name":{"type":"string","description":"Graph name"},
				"description":{"type":"string"},%s,%s},
				"required":["name","nodes"]}`, nodeSchema, edgeSchema), g.create),
		register("graph_get", "Fetch a workflow graph",
			`{"type":"object","properties":{
				"graph_id":{"type":"string","description":"Graph identifier"}},
				"required":["graph_id"]}`, g.get),
		register("graph_list", "List workflow graphs",
			`{"type":"object"}`, g.list),
		register("graph_update", "Replace a workflow graph's definition",
			fmt.Sprintf(`{"type":"object","properties":{
				"graph_id":{"type":"string","description":"Graph identifier"},
				"name":{"type":"string"},
				"description":{"type":"string"},%s,%s},
				"required":["graph_id","name","nodes"]}`, nodeSchema, edgeSchema), g.update),
		register("graph_delete", "Delete a workflow graph",
			`{"type":"object","properties":{
				"graph_id":{"type":"string","description":"Graph identifier"}},
				"required":["graph_id"]}`, g.delete),
		register("graph_run", "Execute a workflow graph",
			`{"type":"object","properties":{
				"graph_id":{"type":"string","description":"Graph identifier"},
				"inputs":{"type":"object","description":"Named run inputs"}},
				"required":["graph_id"]}`, g.run),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

type graphPayload struct {
	GraphID     string       `json:"graph_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Nodes       []graph.Node `json:"nodes"`
	Edges       []graph.Edge `json:"edges"`
}

func (p *graphPayload) document() *graph.Document {
	return &graph.Document{
		Name:        p.Name,
		Description: p.Description,
		Nodes:       p.Nodes,
		Edges:       p.Edges,
	}
}

func jsonResult(v any) (*mcp.ToolCallResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.TextResult("%s", data), nil
}

func (g *graphService) create(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in graphPayload
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	doc, err := g.store.Create(in.document())
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("graph %q created with id %s", doc.Name, doc.ID), nil
}

func (g *graphService) get(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		GraphID string `json:"graph_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	doc, err := g.store.Get(in.GraphID)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return jsonResult(doc)
}

func (g *graphService) list(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	docs, err := g.store.List()
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	type summary struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Nodes int    `json:"nodes"`
	}
	summaries := make([]summary, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, summary{ID: d.ID, Name: d.Name, Nodes: len(d.Nodes)})
	}
	return jsonResult(summaries)
}

func (g *graphService) update(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in graphPayload
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	doc, err := g.store.Update(in.GraphID, in.document())
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("graph %s updated", doc.ID), nil
}

func (g *graphService) delete(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		GraphID string `json:"graph_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if err := g.store.Delete(in.GraphID); err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("graph %s deleted", in.GraphID), nil
}

func (g *graphService) run(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		GraphID string            `json:"graph_id"`
		Inputs  map[string]string `json:"inputs"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	doc, err := g.store.Get(in.GraphID)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	result, err := graph.Run(doc, in.Inputs)
	if err != nil {
		return mcp.ErrorResult("graph run failed: %v", err), nil
	}
	return jsonResult(result)
}
