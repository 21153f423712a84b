package graph

import (
	"testing"

	"github.com/pilotd/pilot/internal/fault"
)

func linearDoc() *Document {
	return &Document{
		Name: "greet",
		Nodes: []Node{
			{ID: "a", Kind: NodeTask, Name: "start", Config: map[string]string{"output": "hello"}},
			{ID: "b", Kind: NodeTask, Name: "end", Config: map[string]string{"output": "$who"}},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	}
}

func TestValidateRejectsBadEdges(t *testing.T) {
	doc := linearDoc()
	doc.Edges = append(doc.Edges, Edge{From: "a", To: "ghost"})
	if err := doc.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunLinear(t *testing.T) {
	result, err := Run(linearDoc(), map[string]string{"who": "world"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(result.Steps))
	}
	if result.Steps[0].Output != "hello" {
		t.Errorf("got output %q", result.Steps[0].Output)
	}
	if result.Steps[1].Output != "world" {
		t.Errorf("input substitution failed, got %q", result.Steps[1].Output)
	}
}

func TestRunDecisionRouting(t *testing.T) {
	doc := &Document{
		Name: "route",
		Nodes: []Node{
			{ID: "d", Kind: NodeDecision, Config: map[string]string{"choice": "$path"}},
			{ID: "left", Kind: NodeTask, Config: map[string]string{"output": "went left"}},
			{ID: "right", Kind: NodeTask, Config: map[string]string{"output": "went right"}},
		},
		Edges: []Edge{
			{From: "d", To: "left", Label: "l"},
			{From: "d", To: "right", Label: "r"},
		},
	}

	result, err := Run(doc, map[string]string{"path": "r"})
	if err != nil {
		t.Fatal(err)
	}
	last := result.Steps[len(result.Steps)-1]
	if last.Output != "went right" {
		t.Errorf("got %q", last.Output)
	}

	if _, err := Run(doc, map[string]string{"path": "nope"}); err == nil {
		t.Fatal("expected routing error for unmatched choice")
	}
}

func TestStoreCRUD(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	doc, err := store.Create(linearDoc())
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" {
		t.Fatal("expected assigned id")
	}

	got, err := store.Get(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "greet" {
		t.Errorf("got name %q", got.Name)
	}

	got.Description = "says hello"
	updated, err := store.Update(doc.ID, got)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != "says hello" {
		t.Errorf("update not applied")
	}
	if !updated.CreatedAt.Equal(doc.CreatedAt) {
		t.Errorf("update must keep creation time")
	}

	docs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("got %d docs", len(docs))
	}

	if err := store.Delete(doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(doc.ID); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
