package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/alimasry/go-patch-history/patch"
)

// Key layout:
//
//	D <collection> 0x00 <doc id>             -> document JSON
//	P <collection> 0x00 <ref> 0x00 <patch id> -> patch JSON
//
// Patch ids are UUIDv7 strings, so lexical key order is append order.
const (
	docPrefix   = 'D'
	patchPrefix = 'P'
	sep         = 0x00
)

// PebbleDB is an embedded Pebble database holding documents and patches.
type PebbleDB struct {
	db *pebble.DB
}

// OpenPebble opens (creating if needed) a Pebble database in dir.
func OpenPebble(dir string, opts *pebble.Options) (*PebbleDB, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleDB{db: db}, nil
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// Documents returns the document store for collection.
func (p *PebbleDB) Documents(collection string) *PebbleStore {
	return &PebbleStore{db: p.db, collection: collection}
}

// OpenPatches returns the patch store for collection.
func (p *PebbleDB) OpenPatches(_ context.Context, collection string) (PatchStore, error) {
	return &PebblePatchStore{db: p.db, collection: collection}, nil
}

func key(prefix byte, parts ...string) []byte {
	n := 1
	for _, part := range parts {
		n += len(part) + 1
	}
	k := make([]byte, 0, n)
	k = append(k, prefix)
	for i, part := range parts {
		if i > 0 {
			k = append(k, sep)
		}
		k = append(k, part...)
	}
	return k
}

// prefixBounds returns the [lower, upper) range of keys below prefix+sep.
func prefixBounds(prefix []byte) (lower, upper []byte) {
	lower = append(append([]byte{}, prefix...), sep)
	upper = append(append([]byte{}, prefix...), sep+1)
	return lower, upper
}

// PebbleStore is a Pebble-backed implementation of DocumentStore.
type PebbleStore struct {
	db         *pebble.DB
	collection string
	// mu serializes read-modify-write cycles for the version check.
	mu sync.Mutex
}

type pebbleDoc struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (s *PebbleStore) docKey(id string) []byte {
	return key(docPrefix, s.collection, id)
}

func (s *PebbleStore) read(id string) (*Document, error) {
	val, closer, err := s.db.Get(s.docKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("document %q %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeDoc(val)
}

func decodeDoc(val []byte) (*Document, error) {
	var rec pebbleDoc
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return &Document{
		ID:        rec.ID,
		Fields:    rec.Fields,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (s *PebbleStore) write(doc *Document) error {
	val, err := json.Marshal(pebbleDoc{
		ID:        doc.ID,
		Fields:    doc.Fields,
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode document %q: %w", doc.ID, err)
	}
	return s.db.Set(s.docKey(doc.ID), val, pebble.Sync)
}

func (s *PebbleStore) Create(_ context.Context, doc *Document) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, err := s.read(doc.ID); err == nil {
		return nil, fmt.Errorf("document %q already exists", doc.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	doc.Version = 0
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := s.write(doc); err != nil {
		return nil, err
	}
	doc.isNew = false
	return doc, nil
}

func (s *PebbleStore) Get(_ context.Context, id string) (*Document, error) {
	return s.read(id)
}

func (s *PebbleStore) Find(_ context.Context, q Query) ([]*Document, error) {
	lower, upper := prefixBounds(key(docPrefix, s.collection))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var result []*Document
	for iter.First(); iter.Valid(); iter.Next() {
		doc, err := decodeDoc(iter.Value())
		if err != nil {
			return nil, err
		}
		if q.Matches(doc) {
			result = append(result, doc)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortDocuments(result)
	return result, nil
}

func (s *PebbleStore) Save(_ context.Context, doc *Document) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(doc.ID)
	if err != nil {
		return nil, err
	}
	if cur.Version != doc.Version {
		return nil, fmt.Errorf("document %q at version %d, saving %d: %w", doc.ID, cur.Version, doc.Version, ErrVersionConflict)
	}
	next := *doc
	next.Version++
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	if err := s.write(&next); err != nil {
		return nil, err
	}
	doc.Version, doc.CreatedAt, doc.UpdatedAt = next.Version, next.CreatedAt, next.UpdatedAt
	return doc, nil
}

func (s *PebbleStore) Remove(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(doc.ID); err != nil {
		return err
	}
	return s.db.Delete(s.docKey(doc.ID), pebble.Sync)
}

// PebblePatchStore is a Pebble-backed implementation of PatchStore.
type PebblePatchStore struct {
	db         *pebble.DB
	collection string
}

func (s *PebblePatchStore) refPrefix(ref string) []byte {
	return key(patchPrefix, s.collection, ref)
}

func (s *PebblePatchStore) Append(_ context.Context, ref string, ops []patch.Change, extra map[string]any) (*Patch, error) {
	p, err := newPatch(ref, ops, extra)
	if err != nil {
		return nil, err
	}
	val, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	k := key(patchPrefix, s.collection, ref, p.ID)
	if err := s.db.Set(k, val, pebble.Sync); err != nil {
		return nil, fmt.Errorf("append patch for %q: %w", ref, err)
	}
	return p, nil
}

func (s *PebblePatchStore) FindByRef(_ context.Context, ref string, order Order) ([]*Patch, error) {
	lower, upper := prefixBounds(s.refPrefix(ref))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Patch
	step := iter.Next
	valid := iter.First()
	if order == Descending {
		step = iter.Prev
		valid = iter.Last()
	}
	for ; valid; valid = step() {
		var p Patch
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode patch %q: %w", iter.Key(), err)
		}
		out = append(out, &p)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebblePatchStore) RemoveAllForRef(_ context.Context, ref string) error {
	lower, upper := prefixBounds(s.refPrefix(ref))
	if err := s.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
		return fmt.Errorf("remove patches for %q: %w", ref, err)
	}
	return nil
}
