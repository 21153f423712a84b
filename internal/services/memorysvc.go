package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pilotd/pilot/internal/mcp"
	"github.com/pilotd/pilot/internal/memory"
	"github.com/pilotd/pilot/pkg/models"
)

// memoryService exposes the session's memory store as MCP tools so the
// agent can manage its own memory mid-conversation.
type memoryService struct {
	store *memory.Store
}

func newMemoryService(cfg map[string]any, deps Deps) (*mcp.Server, error) {
	if deps.Memory == nil {
		return nil, fmt.Errorf("memory store is not available")
	}
	return NewMemoryServer(deps.Memory)
}

// NewMemoryServer builds the memory MCP surface over a store. The session
// manager also attaches this directly when memory is enabled.
func NewMemoryServer(store *memory.Store) (*mcp.Server, error) {
	m := &memoryService{store: store}

	s := mcp.NewServer("memory", "1.0.0")
	register := func(name, description, schema string, fn mcp.ToolFunc) error {
		return s.RegisterTool(name, description, json.RawMessage(schema), fn)
	}

	typeEnum := `"enum":["short_term","long_term","episodic","semantic"]`

	steps := []error{
		register("memory_store", "Store a new memory record",
			fmt.Sprintf(`{"type":"object","properties":{
				"content":{"type":"string","description":"Memory content"},
				"type":{"type":"string",%s,"description":"Memory type (default short_term)"},
				"importance":{"type":"number","minimum":0,"maximum":1,"description":"Importance score"},
				"metadata":{"type":"object","additionalProperties":{"type":"string"}}},
				"required":["content"]}`, typeEnum), m.memStore),
		register("memory_search", "Search memories by keyword",
			`{"type":"object","properties":{
				"query":{"type":"string","description":"Search text"},
				"limit":{"type":"integer","description":"Maximum results (default 10)"},
				"min_importance":{"type":"number","description":"Minimum importance filter"}},
				"required":["query"]}`, m.memSearch),
		register("memory_get_recent", "Fetch the most recent memories",
			`{"type":"object","properties":{
				"limit":{"type":"integer","description":"Maximum results (default 10)"}}}`, m.memRecent),
		register("memory_get_important", "Fetch the most important memories",
			`{"type":"object","properties":{
				"limit":{"type":"integer","description":"Maximum results (default 10)"},
				"min_importance":{"type":"number","description":"Importance threshold (default 0.7)"}}}`, m.memImportant),
		register("memory_update", "Update a memory record",
			`{"type":"object","properties":{
				"memory_id":{"type":"string","description":"Record identifier"},
				"content":{"type":"string","description":"New content"},
				"importance":{"type":"number","minimum":0,"maximum":1},
				"metadata":{"type":"object","additionalProperties":{"type":"string"}}},
				"required":["memory_id"]}`, m.memUpdate),
		register("memory_delete", "Delete a memory record",
			`{"type":"object","properties":{
				"memory_id":{"type":"string","description":"Record identifier"}},
				"required":["memory_id"]}`, m.memDelete),
		register("memory_consolidate", "Promote qualifying short-term memories to long-term",
			`{"type":"object"}`, m.memConsolidate),
		register("memory_stats", "Summarize the memory store",
			`{"type":"object"}`, m.memStats),
		register("memory_clear", "Delete all memory records",
			`{"type":"object"}`, m.memClear),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *memoryService) memStore(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		Content    string            `json:"content"`
		Type       string            `json:"type"`
		Importance *float64          `json:"importance"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	importance := 0.5
	if in.Importance != nil {
		importance = *in.Importance
	}
	record, err := m.store.Store(ctx, in.Content, models.MemoryType(in.Type), importance, in.Metadata)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("stored memory %s (type: %s, importance: %.2f)", record.ID, record.Type, record.Importance), nil
}

func (m *memoryService) memSearch(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		Query         string  `json:"query"`
		Limit         int     `json:"limit"`
		MinImportance float64 `json:"min_importance"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	results, err := m.store.Search(ctx, memory.Query{
		Text:          in.Query,
		Limit:         in.Limit,
		MinImportance: in.MinImportance,
	})
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return jsonResult(results)
}

func (m *memoryService) memRecent(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	records, err := m.store.GetRecent(ctx, in.Limit, nil)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return jsonResult(records)
}

func (m *memoryService) memImportant(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		Limit         int     `json:"limit"`
		MinImportance float64 `json:"min_importance"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	records, err := m.store.GetImportant(ctx, in.Limit, in.MinImportance, nil)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return jsonResult(records)
}

func (m *memoryService) memUpdate(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		MemoryID   string            `json:"memory_id"`
		Content    *string           `json:"content"`
		Importance *float64          `json:"importance"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	record, err := m.store.Update(ctx, in.MemoryID, in.Content, in.Importance, in.Metadata)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("updated memory %s", record.ID), nil
}

func (m *memoryService) memDelete(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, in.MemoryID); err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("deleted memory %s", in.MemoryID), nil
}

func (m *memoryService) memConsolidate(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	promoted, err := m.store.Consolidate(ctx)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("promoted %d memories to long-term", promoted), nil
}

func (m *memoryService) memStats(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return jsonResult(stats)
}

func (m *memoryService) memClear(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := m.store.Clear(ctx); err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return mcp.TextResult("all memories cleared"), nil
}
