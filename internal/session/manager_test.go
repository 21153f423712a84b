package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/pkg/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func localSpec(id string) models.SessionSpec {
	return models.SessionSpec{
		ID:          id,
		DisplayName: "Test Session",
		Provider:    "local",
		Settings:    models.ProviderSettings{Model: "test-model"},
		Agent: models.AgentSettings{
			SystemInstruction: "be helpful",
			MaxIterations:     5,
		},
		Metadata: map[string]string{"team": "qa"},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	m := newTestManager(t)

	created, err := m.Create(localSpec("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("created_at not assigned")
	}

	got, err := m.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Test Session" || got.Provider != "local" {
		t.Errorf("persisted fields differ: %+v", got)
	}
	if got.Agent.MaxIterations != 5 {
		t.Errorf("agent settings lost: %+v", got.Agent)
	}
	if got.Metadata["team"] != "qa" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(localSpec("dup")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(localSpec("dup")); !fault.Is(err, fault.AlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestCreateBuildsDirectoryLayout(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)

	if _, err := m.Create(localSpec("layout")); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"memory", "mcp", "graphs", "logs"} {
		dir := filepath.Join(root, "sessions", "layout", sub)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "sessions", "layout", "session_config.json")); err != nil {
		t.Errorf("missing session_config.json: %v", err)
	}
}

func TestSecretsNeverPersisted(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)

	spec := localSpec("secret")
	spec.Settings.APIKey = "sk-super-secret"
	spec.Settings.CredentialsEnv = "PILOT_TEST_KEY"
	if _, err := m.Create(spec); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(root, "sessions", "secret", "session_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-super-secret") {
		t.Error("API key written to session_config.json")
	}
	if !strings.Contains(string(data), "PILOT_TEST_KEY") {
		t.Error("credentials_env should be persisted")
	}
}

func TestListSources(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(localSpec("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(localSpec("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initialize(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	inMemory, err := m.List(ListMemory)
	if err != nil {
		t.Fatal(err)
	}
	if len(inMemory) != 1 || inMemory[0].ID != "a" {
		t.Errorf("memory list: %+v", inMemory)
	}

	onDisk, err := m.List(ListFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk) != 2 || onDisk[0].ID != "a" || onDisk[1].ID != "b" {
		t.Errorf("file list should include every on-disk session: %+v", onDisk)
	}

	all, err := m.List(ListAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all list: %+v", all)
	}
}

func TestUpdateMutableFieldsOnly(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(localSpec("u")); err != nil {
		t.Fatal(err)
	}

	name := "Renamed"
	updated, err := m.Update("u", models.SessionUpdate{
		DisplayName: &name,
		Metadata:    map[string]string{"extra": "yes"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.DisplayName != "Renamed" {
		t.Errorf("display name not updated")
	}
	if updated.ID != "u" || updated.Provider != "local" {
		t.Errorf("immutable fields changed: %+v", updated)
	}
	if updated.Metadata["team"] != "qa" || updated.Metadata["extra"] != "yes" {
		t.Errorf("metadata merge: %v", updated.Metadata)
	}
}

func TestDeleteIdempotentAndRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)

	if _, err := m.Create(localSpec("d")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initialize(context.Background(), "d"); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete("d"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("d"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sessions", "d")); !os.IsNotExist(err) {
		t.Error("session directory still present")
	}

	// Second delete succeeds.
	if err := m.Delete("d"); err != nil {
		t.Errorf("delete should be idempotent: %v", err)
	}
}

func TestInitializeAttachesServiceManager(t *testing.T) {
	m := newTestManager(t)

	spec := localSpec("init")
	spec.Agent.MemoryEnabled = true
	if _, err := m.Create(spec); err != nil {
		t.Fatal(err)
	}

	live, err := m.Initialize(context.Background(), "init")
	if err != nil {
		t.Fatal(err)
	}

	states := live.Pool.States()
	if states["mcp_service_manager"] != "ready" {
		t.Errorf("service manager not ready: %v", states)
	}
	if states["memory"] != "ready" {
		t.Errorf("memory server not ready: %v", states)
	}

	// Initialize is idempotent.
	again, err := m.Initialize(context.Background(), "init")
	if err != nil {
		t.Fatal(err)
	}
	if again != live {
		t.Error("initialize should return the existing live session")
	}

	tools := live.Pool.ListTools()
	var hasServiceCreate bool
	for _, tool := range tools {
		if tool.Name == "mcp_service_manager__service_create" {
			hasServiceCreate = true
		}
	}
	if !hasServiceCreate {
		t.Errorf("service manager tools not qualified: %v", tools)
	}
}

func TestInitializeUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Initialize(context.Background(), "ghost"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
