package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) Create(_ context.Context, doc *Document) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, exists := s.docs[doc.ID]; exists {
		return nil, fmt.Errorf("document %q already exists", doc.ID)
	}
	now := time.Now()
	doc.Version = 0
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.isNew = false
	s.docs[doc.ID] = doc.Clone()
	return doc, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q %w", id, ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Find(_ context.Context, q Query) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Document
	for _, doc := range s.docs {
		if q.Matches(doc) {
			result = append(result, doc.Clone())
		}
	}
	sortDocuments(result)
	return result, nil
}

func (s *MemoryStore) Save(_ context.Context, doc *Document) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[doc.ID]
	if !ok {
		return nil, fmt.Errorf("document %q %w", doc.ID, ErrNotFound)
	}
	if cur.Version != doc.Version {
		return nil, fmt.Errorf("document %q at version %d, saving %d: %w", doc.ID, cur.Version, doc.Version, ErrVersionConflict)
	}
	doc.Version++
	doc.UpdatedAt = time.Now()
	doc.CreatedAt = cur.CreatedAt
	s.docs[doc.ID] = doc.Clone()
	return doc, nil
}

func (s *MemoryStore) Remove(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; !ok {
		return fmt.Errorf("document %q %w", doc.ID, ErrNotFound)
	}
	delete(s.docs, doc.ID)
	return nil
}

// sortDocuments orders documents by creation time, then id.
func sortDocuments(docs []*Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
