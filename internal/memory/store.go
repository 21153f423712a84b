// Package memory implements the per-session memory store: typed records
// with importance scoring, keyword search, consolidation, and forgetting.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	content          TEXT NOT NULL,
	importance       REAL NOT NULL DEFAULT 0.5,
	access_count     INTEGER NOT NULL DEFAULT 0,
	metadata         TEXT,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`

// Store is a SQLite-backed memory store for one session.
type Store struct {
	db *sql.DB

	// maxRecords caps the store; the forgetting pass evicts beyond it.
	maxRecords int
}

// Open creates or opens the store under dir (typically
// <root>/sessions/<id>/memory).
func Open(dir string, maxRecords int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "memory.db"))
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply memory schema: %w", err)
	}
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &Store{db: db, maxRecords: maxRecords}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Query filters a memory search.
type Query struct {
	Text          string
	Types         []models.MemoryType
	Limit         int
	MinImportance float64
}

// Store inserts a new record. Importance is clamped to [0,1]; an empty
// type defaults to short-term.
func (s *Store) Store(ctx context.Context, content string, kind models.MemoryType, importance float64, metadata map[string]string) (*models.MemoryRecord, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fault.New(fault.InvalidInput, "memory content is required")
	}
	if kind == "" {
		kind = models.MemoryShortTerm
	}
	if !models.ValidMemoryType(kind) {
		return nil, fault.New(fault.InvalidInput, "unknown memory type %q", kind)
	}

	now := time.Now().UTC()
	record := &models.MemoryRecord{
		ID:         uuid.NewString(),
		Type:       kind,
		Content:    content,
		Importance: clamp01(importance),
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, importance, access_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		record.ID, string(record.Type), record.Content, record.Importance, metaJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return record, nil
}

// Get returns one record and bumps its access statistics.
func (s *Store) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	record, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, content, importance, access_count, metadata, created_at, updated_at, last_accessed_at
		FROM memories WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Search ranks records by keyword relevance weighted by importance and
// recency. Matching records have their access statistics bumped.
func (s *Store) Search(ctx context.Context, q Query) ([]models.MemorySearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fault.New(fault.InvalidInput, "query text is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	records, err := s.list(ctx, q.Types, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var results []models.MemorySearchResult
	for i := range records {
		r := &records[i]
		if r.Importance < q.MinImportance {
			continue
		}
		relevance := relevanceScore(q.Text, r.Content)
		if relevance <= 0 {
			continue
		}
		score := relevance * importanceWeight(r.Importance) * recencyWeight(now, r.CreatedAt)
		results = append(results, models.MemorySearchResult{Record: *r, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	for i := range results {
		if err := s.touch(ctx, &results[i].Record); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// GetRecent returns the newest records, optionally filtered by type.
func (s *Store) GetRecent(ctx context.Context, limit int, types []models.MemoryType) ([]models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	records, err := s.list(ctx, types, 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// GetImportant returns records at or above minImportance, ranked by a mix
// of importance and access frequency.
func (s *Store) GetImportant(ctx context.Context, limit int, minImportance float64, types []models.MemoryType) ([]models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if minImportance <= 0 {
		minImportance = 0.7
	}
	records, err := s.list(ctx, types, 0)
	if err != nil {
		return nil, err
	}

	filtered := records[:0]
	for _, r := range records {
		if r.Importance >= minImportance {
			filtered = append(filtered, r)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return importanceRank(&filtered[i]) > importanceRank(&filtered[j])
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Update mutates content, importance, and/or metadata of a record. Nil
// arguments leave the field unchanged.
func (s *Store) Update(ctx context.Context, id string, content *string, importance *float64, metadata map[string]string) (*models.MemoryRecord, error) {
	record, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if content != nil {
		record.Content = *content
	}
	if importance != nil {
		record.Importance = clamp01(*importance)
	}
	if metadata != nil {
		if record.Metadata == nil {
			record.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			record.Metadata[k] = v
		}
	}
	record.UpdatedAt = time.Now().UTC()

	metaJSON, err := marshalMetadata(record.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, importance = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		record.Content, record.Importance, metaJSON, record.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}
	return record, nil
}

// Delete removes a record. Deleting a missing record returns NotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fault.New(fault.NotFound, "memory %s not found", id)
	}
	return nil
}

// Consolidate promotes short-term records to long-term when they have been
// accessed at least 3 times or carry importance of 0.8 or higher. Returns
// the number of promoted records.
func (s *Store) Consolidate(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET type = ?, updated_at = ?
		WHERE type = ? AND (access_count >= 3 OR importance >= 0.8)`,
		string(models.MemoryLongTerm), time.Now().UTC(), string(models.MemoryShortTerm))
	if err != nil {
		return 0, fmt.Errorf("consolidate memories: %w", err)
	}
	promoted, _ := res.RowsAffected()
	return int(promoted), nil
}

// Forget evicts the lowest-scoring records beyond the store's cap. The
// retention score mixes importance, access frequency, and age. Returns the
// number of deleted records.
func (s *Store) Forget(ctx context.Context) (int, error) {
	records, err := s.list(ctx, nil, 0)
	if err != nil {
		return 0, err
	}
	excess := len(records) - s.maxRecords
	if excess <= 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	sort.SliceStable(records, func(i, j int) bool {
		return retentionScore(now, &records[i]) < retentionScore(now, &records[j])
	})

	deleted := 0
	for _, r := range records[:excess] {
		if err := s.Delete(ctx, r.ID); err != nil {
			if fault.Is(err, fault.NotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// ForgetBefore deletes records created before the threshold, sparing
// records with importance of 0.9 or higher.
func (s *Store) ForgetBefore(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE created_at < ? AND importance < 0.9`, threshold.UTC())
	if err != nil {
		return 0, fmt.Errorf("forget memories: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (*models.MemoryStats, error) {
	records, err := s.list(ctx, nil, 0)
	if err != nil {
		return nil, err
	}

	stats := &models.MemoryStats{
		Total:  len(records),
		ByType: map[string]int{},
	}
	var totalImportance float64
	for _, r := range records {
		stats.ByType[string(r.Type)]++
		totalImportance += r.Importance
		stats.TotalAccessCount += r.AccessCount
	}
	if len(records) > 0 {
		stats.AverageImportance = totalImportance / float64(len(records))
	}
	return stats, nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories`)
	if err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, types []models.MemoryType, limit int) ([]models.MemoryRecord, error) {
	query := `SELECT id, type, content, importance, access_count, metadata, created_at, updated_at, last_accessed_at FROM memories`
	var args []any
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += " WHERE type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var records []models.MemoryRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *Store) touch(ctx context.Context, record *models.MemoryRecord) error {
	now := time.Now().UTC()
	record.AccessCount++
	record.LastAccessedAt = now
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		now, record.ID)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.MemoryRecord, error) {
	var record models.MemoryRecord
	var kind string
	var metaJSON sql.NullString
	var lastAccessed sql.NullTime

	err := row.Scan(&record.ID, &kind, &record.Content, &record.Importance,
		&record.AccessCount, &metaJSON, &record.CreatedAt, &record.UpdatedAt, &lastAccessed)
	if err != nil {
		return nil, err
	}

	record.Type = models.MemoryType(kind)
	if lastAccessed.Valid {
		record.LastAccessedAt = lastAccessed.Time
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode memory metadata: %w", err)
		}
	}
	return &record, nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode memory metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// relevanceScore is a keyword match: exact substring scores 1.0, otherwise
// the fraction of query words present in the content.
func relevanceScore(query, content string) float64 {
	queryLower := strings.ToLower(query)
	contentLower := strings.ToLower(content)

	if strings.Contains(contentLower, queryLower) {
		return 1.0
	}

	queryWords := strings.Fields(queryLower)
	if len(queryWords) == 0 {
		return 0
	}
	contentWords := make(map[string]struct{})
	for _, w := range strings.Fields(contentLower) {
		contentWords[w] = struct{}{}
	}
	matched := 0
	for _, w := range queryWords {
		if _, ok := contentWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}

// importanceWeight keeps zero-importance records findable while favoring
// important ones.
func importanceWeight(importance float64) float64 {
	return 0.2 + 0.8*importance
}

// recencyWeight decays with age on a 30-day half-life style curve.
func recencyWeight(now time.Time, createdAt time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays/30)
}

// importanceRank orders GetImportant results: importance dominates with a
// capped access-frequency bonus.
func importanceRank(r *models.MemoryRecord) float64 {
	return r.Importance*0.7 + math.Min(float64(r.AccessCount)/100, 0.3)
}

// retentionScore orders forgetting: lower scores are evicted first.
func retentionScore(now time.Time, r *models.MemoryRecord) float64 {
	ageDays := now.Sub(r.CreatedAt).Hours() / 24
	return r.Importance*0.4 +
		math.Min(float64(r.AccessCount)/100, 0.3) +
		(1-ageDays/365)*0.3
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
