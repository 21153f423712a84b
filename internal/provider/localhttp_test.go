package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pilotd/pilot/pkg/models"
)

func localServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestLocalAdapterStreamsContent(t *testing.T) {
	server := localServer(t, []string{
		`{"message":{"role":"assistant","content":"hello "}}`,
		`{"message":{"role":"assistant","content":"world"}}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})

	adapter, err := NewLocalAdapter(models.ProviderSettings{BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}

	events, err := adapter.ChatStream(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, events)
	if len(got) != 3 {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	if got[0].ContentDelta != "hello " || got[1].ContentDelta != "world" {
		t.Errorf("unexpected deltas: %+v", got[:2])
	}
	if !got[2].Done {
		t.Errorf("missing done event")
	}
}

func TestLocalAdapterEmitsToolCallTriples(t *testing.T) {
	server := localServer(t, []string{
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"calc__add","arguments":{"a":1,"b":2}}}]}}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})

	adapter, err := NewLocalAdapter(models.ProviderSettings{BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}

	events, err := adapter.ChatStream(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "1+2"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, events)
	if len(got) != 4 {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	begin := got[0].ToolCallBegin
	if begin == nil || begin.Name != "calc__add" || begin.ID == "" {
		t.Fatalf("unexpected begin event: %+v", got[0])
	}
	delta := got[1].ToolCallDelta
	if delta == nil || delta.ID != begin.ID {
		t.Fatalf("delta does not reference begin: %+v", got[1])
	}
	var args map[string]float64
	if err := json.Unmarshal([]byte(delta.Delta), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["a"] != 1 || args["b"] != 2 {
		t.Errorf("got args %v", args)
	}
	if got[2].ToolCallEnd == nil || got[2].ToolCallEnd.ID != begin.ID {
		t.Fatalf("unexpected end event: %+v", got[2])
	}
	if !got[3].Done {
		t.Errorf("missing done event")
	}
}

func TestLocalAdapterErrorChunk(t *testing.T) {
	server := localServer(t, []string{`{"error":"model not loaded"}`})

	adapter, err := NewLocalAdapter(models.ProviderSettings{BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}

	events, err := adapter.ChatStream(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, events)
	if len(got) != 1 || got[0].Err == nil {
		t.Fatalf("expected single error event, got %+v", got)
	}
}

func TestLocalAdapterHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	adapter, err := NewLocalAdapter(models.ProviderSettings{BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := adapter.ChatStream(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.New("bogus", models.ProviderSettings{}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegistryFrozen(t *testing.T) {
	r := DefaultRegistry()
	err := r.Register("another", func(models.ProviderSettings) (Adapter, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected frozen registry to reject registration")
	}
}

func TestRegistryBuildsLocalAdapter(t *testing.T) {
	r := DefaultRegistry()
	adapter, err := r.New("local", models.ProviderSettings{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if adapter.Name() != "local" {
		t.Errorf("got name %q", adapter.Name())
	}
}
