package web

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/engine"
	"github.com/pilotd/pilot/internal/session"
	"github.com/pilotd/pilot/pkg/models"
)

// fakeModelServer emits a fixed NDJSON chat stream in the local
// provider's wire format.
func fakeModelServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestAPI(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	manager, err := session.NewManager(session.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(manager.Shutdown)

	eng := engine.New(engine.Config{}, nil, nil)
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 8000}
	return NewServer(cfg, manager, eng, nil, nil), manager
}

func createSession(t *testing.T, api *Server, id, modelURL string) {
	t.Helper()
	spec := models.SessionSpec{
		ID:       id,
		Provider: "local",
		Settings: models.ProviderSettings{Model: "test-model", BaseURL: modelURL},
		Agent:    models.AgentSettings{SystemInstruction: "echo", MaxIterations: 10},
	}
	body, _ := json.Marshal(spec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d: %s", rec.Code, rec.Body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)

	for _, path := range []string{"/health", "/api/v1/chat/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if body["status"] != "ok" {
			t.Errorf("%s: body %v", path, body)
		}
	}
}

func TestSessionCRUDOverHTTP(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	createSession(t, api, "crud", "http://localhost:0")

	// Get
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/crud", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}

	// Duplicate create conflicts.
	spec := models.SessionSpec{ID: "crud", Provider: "local", Settings: models.ProviderSettings{Model: "m"}}
	body, _ := json.Marshal(spec)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: status %d", rec.Code)
	}

	// Update
	update := `{"display_name":"Renamed"}`
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/sessions/crud", strings.NewReader(update)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d: %s", rec.Code, rec.Body)
	}
	var updated struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.DisplayName != "Renamed" {
		t.Errorf("update not applied: %s", rec.Body)
	}

	// List
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/?source=all", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}

	// Delete, twice (idempotent).
	for range 2 {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/crud", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("delete: status %d", rec.Code)
		}
	}

	// Get after delete is 404.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/crud", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", rec.Code)
	}
}

func TestGetUnknownSession(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d", rec.Code)
	}
}

func TestChatCompletionNonStreaming(t *testing.T) {
	model := fakeModelServer(t, []string{
		`{"message":{"role":"assistant","content":"hello world"}}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})
	api, _ := newTestAPI(t)
	handler := api.Handler()
	createSession(t, api, "chat", model.URL)

	body := `{"session_id":"chat","message":"hi"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "hello world" || resp.Iterations != 1 {
		t.Errorf("got %+v", resp)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	model := fakeModelServer(t, []string{
		`{"message":{"role":"assistant","content":"hello "}}`,
		`{"message":{"role":"assistant","content":"world"}}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})
	api, _ := newTestAPI(t)
	handler := api.Handler()
	createSession(t, api, "stream", model.URL)

	body := `{"session_id":"stream","message":"hi","stream":true}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type %q", ct)
	}

	var payloads []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(payloads) == 0 {
		t.Fatal("no SSE records")
	}
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Errorf("missing [DONE] terminator: %v", payloads)
	}

	var sawIteration, sawComplete bool
	contents := ""
	for _, p := range payloads[:len(payloads)-1] {
		var event models.TurnEvent
		if err := json.Unmarshal([]byte(p), &event); err != nil {
			t.Fatalf("bad SSE payload %q: %v", p, err)
		}
		switch event.Type {
		case models.EventIteration:
			sawIteration = true
		case models.EventContent:
			contents += event.Content
		case models.EventComplete:
			sawComplete = true
			if event.FinalResponse != "hello world" {
				t.Errorf("final response %q", event.FinalResponse)
			}
		}
	}
	if !sawIteration || !sawComplete {
		t.Errorf("missing events: iteration=%v complete=%v", sawIteration, sawComplete)
	}
	if contents != "hello world" {
		t.Errorf("streamed content %q", contents)
	}
}

func TestChatMissingSession(t *testing.T) {
	api, _ := newTestAPI(t)
	body := `{"session_id":"ghost","message":"hi"}`
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d: %s", rec.Code, rec.Body)
	}
}

func TestChatEmptyMessage(t *testing.T) {
	model := fakeModelServer(t, nil)
	api, _ := newTestAPI(t)
	createSession(t, api, "empty", model.URL)

	body := `{"session_id":"empty","message":""}`
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d: %s", rec.Code, rec.Body)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	model := fakeModelServer(t, []string{
		`{"message":{"role":"assistant","content":"pong"}}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})
	api, _ := newTestAPI(t)
	handler := api.Handler()
	createSession(t, api, "direct", model.URL)

	body := `{"message":"ping"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/direct/messages", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "pong" {
		t.Errorf("got %+v", resp)
	}
}
