package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/alimasry/go-patch-history/patch"
)

// MemoryPatchStore is an in-memory implementation of PatchStore.
type MemoryPatchStore struct {
	mu      sync.RWMutex
	history map[string][]*Patch
}

func NewMemoryPatchStore() *MemoryPatchStore {
	return &MemoryPatchStore{history: make(map[string][]*Patch)}
}

func (s *MemoryPatchStore) Append(_ context.Context, ref string, ops []patch.Change, extra map[string]any) (*Patch, error) {
	p, err := newPatch(ref, ops, extra)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[ref] = append(s.history[ref], p)
	cp := *p
	return &cp, nil
}

func (s *MemoryPatchStore) FindByRef(_ context.Context, ref string, order Order) ([]*Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.history[ref]
	out := make([]*Patch, len(rec))
	for i, p := range rec {
		cp := *p
		out[i] = &cp
	}
	if order == Descending {
		slices.Reverse(out)
	}
	return out, nil
}

func (s *MemoryPatchStore) RemoveAllForRef(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, ref)
	return nil
}

// Len returns the total number of stored patches.
func (s *MemoryPatchStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.history {
		n += len(rec)
	}
	return n
}

// MemoryBackend hands out one MemoryPatchStore per collection name.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*MemoryPatchStore
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*MemoryPatchStore)}
}

func (b *MemoryBackend) OpenPatches(_ context.Context, collection string) (PatchStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.stores[collection]
	if !ok {
		s = NewMemoryPatchStore()
		b.stores[collection] = s
	}
	return s, nil
}

// Collections lists the collection names opened so far.
func (b *MemoryBackend) Collections() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.stores))
	for name := range b.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
