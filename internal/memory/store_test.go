package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/pkg/models"
)

func openStore(t *testing.T, maxRecords int) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), maxRecords)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAndGet(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	record, err := store.Store(ctx, "the deploy key lives in vault", models.MemorySemantic, 0.6, map[string]string{"topic": "ops"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != record.Content {
		t.Errorf("got content %q", got.Content)
	}
	if got.Type != models.MemorySemantic {
		t.Errorf("got type %s", got.Type)
	}
	if got.Metadata["topic"] != "ops" {
		t.Errorf("got metadata %v", got.Metadata)
	}
	if got.AccessCount != 1 {
		t.Errorf("Get should bump access count, got %d", got.AccessCount)
	}
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	store := openStore(t, 100)
	_, err := store.Store(context.Background(), "  ", models.MemoryShortTerm, 0.5, nil)
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestStoreClampsImportance(t *testing.T) {
	store := openStore(t, 100)
	record, err := store.Store(context.Background(), "x", models.MemoryShortTerm, 1.7, nil)
	if err != nil {
		t.Fatal(err)
	}
	if record.Importance != 1.0 {
		t.Errorf("got importance %f, want 1.0", record.Importance)
	}
}

func TestSearchRanksBySubstringAndImportance(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	if _, err := store.Store(ctx, "user prefers dark mode", models.MemorySemantic, 0.9, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "dark chocolate order placed", models.MemoryEpisodic, 0.2, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "completely unrelated note", models.MemoryShortTerm, 0.9, nil); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, Query{Text: "dark", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Record.Content != "user prefers dark mode" {
		t.Errorf("importance weighting not applied, top result %q", results[0].Record.Content)
	}
	if results[0].Record.AccessCount != 1 {
		t.Errorf("search should bump access count")
	}
}

func TestSearchWordOverlap(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	if _, err := store.Store(ctx, "the build pipeline failed on tuesday", models.MemoryEpisodic, 0.5, nil); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, Query{Text: "pipeline failure tuesday"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (partial word overlap)", len(results))
	}
}

func TestUpdateAndDelete(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	record, err := store.Store(ctx, "draft", models.MemoryShortTerm, 0.3, nil)
	if err != nil {
		t.Fatal(err)
	}

	content := "final"
	importance := 0.95
	updated, err := store.Update(ctx, record.ID, &content, &importance, map[string]string{"rev": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Content != "final" || updated.Importance != 0.95 {
		t.Errorf("update not applied: %+v", updated)
	}

	if err := store.Delete(ctx, record.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, record.ID); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound on second delete, got %v", err)
	}
	if _, err := store.Get(ctx, record.ID); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

func TestConsolidatePromotesShortTerm(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	important, err := store.Store(ctx, "very important", models.MemoryShortTerm, 0.85, nil)
	if err != nil {
		t.Fatal(err)
	}
	accessed, err := store.Store(ctx, "frequently read", models.MemoryShortTerm, 0.1, nil)
	if err != nil {
		t.Fatal(err)
	}
	unremarkable, err := store.Store(ctx, "meh", models.MemoryShortTerm, 0.1, nil)
	if err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if _, err := store.Get(ctx, accessed.ID); err != nil {
			t.Fatal(err)
		}
	}

	promoted, err := store.Consolidate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 2 {
		t.Fatalf("got %d promoted, want 2", promoted)
	}

	for _, tc := range []struct {
		id   string
		want models.MemoryType
	}{
		{important.ID, models.MemoryLongTerm},
		{accessed.ID, models.MemoryLongTerm},
		{unremarkable.ID, models.MemoryShortTerm},
	} {
		got, err := store.Get(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != tc.want {
			t.Errorf("record %s: got type %s, want %s", tc.id, got.Type, tc.want)
		}
	}
}

func TestForgetRespectsCap(t *testing.T) {
	store := openStore(t, 3)
	ctx := context.Background()

	if _, err := store.Store(ctx, "keep me, critical", models.MemoryLongTerm, 0.95, nil); err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"low one", "low two", "low three", "low four"} {
		if _, err := store.Store(ctx, content, models.MemoryShortTerm, 0.05, nil); err != nil {
			t.Fatal(err)
		}
	}

	forgotten, err := store.Forget(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if forgotten != 2 {
		t.Fatalf("got %d forgotten, want 2", forgotten)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 {
		t.Errorf("got %d records, want 3", stats.Total)
	}

	// The high-importance record survives.
	results, err := store.Search(ctx, Query{Text: "critical"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("high-importance record was evicted")
	}
}

func TestForgetBeforeSparesImportant(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	if _, err := store.Store(ctx, "old but vital", models.MemorySemantic, 0.95, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "old and minor", models.MemoryShortTerm, 0.2, nil); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.ForgetBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("got %d deleted, want 1", deleted)
	}
}

func TestStats(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	if _, err := store.Store(ctx, "a", models.MemoryShortTerm, 0.4, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "b", models.MemoryLongTerm, 0.8, nil); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("got total %d", stats.Total)
	}
	if stats.ByType["short_term"] != 1 || stats.ByType["long_term"] != 1 {
		t.Errorf("got by-type %v", stats.ByType)
	}
	if stats.AverageImportance < 0.59 || stats.AverageImportance > 0.61 {
		t.Errorf("got average importance %f", stats.AverageImportance)
	}
}

func TestClear(t *testing.T) {
	store := openStore(t, 100)
	ctx := context.Background()

	if _, err := store.Store(ctx, "x", models.MemoryShortTerm, 0.5, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Errorf("got %d records after clear", stats.Total)
	}
}
