package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilotd/pilot/internal/fault"
)

// Store persists graph documents as JSON files in a directory, one file
// per graph. Writes are atomic (temp file + rename).
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens (creating if necessary) a graph store directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create graph dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Create validates and persists a new document, assigning its ID and
// timestamps.
func (s *Store) Create(doc *Document) (*Document, error) {
	if err := doc.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "graph")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	} else if _, err := os.Stat(s.path(doc.ID)); err == nil {
		return nil, fault.New(fault.AlreadyExists, "graph %s already exists", doc.ID)
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if err := s.write(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get loads one document.
func (s *Store) Get(id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns all documents sorted by name.
func (s *Store) List() ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read graph dir: %w", err)
	}

	var docs []*Document
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Update replaces a document's contents, keeping its identity and
// creation time.
func (s *Store) Update(id string, doc *Document) (*Document, error) {
	if err := doc.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "graph")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(id)
	if err != nil {
		return nil, err
	}
	doc.ID = existing.ID
	doc.CreatedAt = existing.CreatedAt
	doc.UpdatedAt = time.Now().UTC()

	if err := s.write(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes a document. Missing documents return NotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fault.New(fault.NotFound, "graph %s not found", id)
		}
		return fmt.Errorf("delete graph: %w", err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Document, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.NotFound, "graph %s not found", id)
		}
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	tmp := s.path(doc.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	if err := os.Rename(tmp, s.path(doc.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename graph: %w", err)
	}
	return nil
}
