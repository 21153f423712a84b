package models

import "time"

// MemoryType classifies memory records.
type MemoryType string

const (
	MemoryShortTerm MemoryType = "short_term"
	MemoryLongTerm  MemoryType = "long_term"
	MemoryEpisodic  MemoryType = "episodic"
	MemorySemantic  MemoryType = "semantic"
)

// ValidMemoryType reports whether t is one of the known kinds.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryShortTerm, MemoryLongTerm, MemoryEpisodic, MemorySemantic:
		return true
	}
	return false
}

// MemoryRecord is one stored memory.
type MemoryRecord struct {
	ID             string            `json:"id"`
	Type           MemoryType        `json:"type"`
	Content        string            `json:"content"`
	Importance     float64           `json:"importance"`
	AccessCount    int               `json:"access_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at,omitzero"`
}

// MemorySearchResult pairs a record with its query relevance.
type MemorySearchResult struct {
	Record MemoryRecord `json:"record"`
	Score  float64      `json:"score"`
}

// MemoryStats summarizes a session's memory store.
type MemoryStats struct {
	Total             int            `json:"total"`
	ByType            map[string]int `json:"by_type"`
	AverageImportance float64        `json:"average_importance"`
	TotalAccessCount  int            `json:"total_access_count"`
}
