package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/uuid"

	"github.com/alimasry/go-patch-history/patch"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore over the given collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func docData(doc *Document) map[string]interface{} {
	return map[string]interface{}{
		"fields":    doc.Fields,
		"version":   doc.Version,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
}

func (s *FirestoreStore) Create(ctx context.Context, doc *Document) (*Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	doc.Version = 0
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := s.docRef(doc.ID).Create(ctx, docData(doc))
	if status.Code(err) == codes.AlreadyExists {
		return nil, fmt.Errorf("document %q already exists", doc.ID)
	}
	if err != nil {
		return nil, err
	}
	doc.isNew = false
	return doc, nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocument(id, snap), nil
}

func snapshotToDocument(id string, snap *firestore.DocumentSnapshot) *Document {
	data := snap.Data()
	fields, _ := data["fields"].(map[string]interface{})
	if fields == nil {
		fields = map[string]interface{}{}
	}
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &Document{
		ID:        id,
		Fields:    fields,
		Version:   int(version),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) Find(ctx context.Context, q Query) ([]*Document, error) {
	if id, ok := q["id"].(string); ok {
		doc, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !q.Matches(doc) {
			return nil, nil
		}
		return []*Document{doc}, nil
	}

	query := s.client.Collection(s.collection).Query
	for k, v := range q {
		query = query.Where("fields."+k, "==", v)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var result []*Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, snapshotToDocument(snap.Ref.ID, snap))
	}
	sortDocuments(result)
	return result, nil
}

func (s *FirestoreStore) Save(ctx context.Context, doc *Document) (*Document, error) {
	ref := s.docRef(doc.ID)
	now := time.Now().UTC()
	var createdAt time.Time
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("document %q %w", doc.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		cur := snapshotToDocument(doc.ID, snap)
		if cur.Version != doc.Version {
			return fmt.Errorf("document %q at version %d, saving %d: %w", doc.ID, cur.Version, doc.Version, ErrVersionConflict)
		}
		createdAt = cur.CreatedAt
		return tx.Set(ref, map[string]interface{}{
			"fields":    doc.Fields,
			"version":   doc.Version + 1,
			"createdAt": cur.CreatedAt,
			"updatedAt": now,
		})
	})
	if err != nil {
		return nil, err
	}
	doc.Version++
	doc.CreatedAt = createdAt
	doc.UpdatedAt = now
	return doc, nil
}

func (s *FirestoreStore) Remove(ctx context.Context, doc *Document) error {
	_, err := s.docRef(doc.ID).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q %w", doc.ID, ErrNotFound)
	}
	return err
}

// FirestorePatchStore is a Firestore-backed implementation of PatchStore.
// Each patch is one document in the collection, keyed by its id.
type FirestorePatchStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestorePatchStore creates a FirestorePatchStore over collection.
func NewFirestorePatchStore(client *firestore.Client, collection string) *FirestorePatchStore {
	return &FirestorePatchStore{client: client, collection: collection}
}

// FirestoreBackend opens FirestorePatchStores on a shared client.
type FirestoreBackend struct {
	Client *firestore.Client
}

func (b FirestoreBackend) OpenPatches(_ context.Context, collection string) (PatchStore, error) {
	return NewFirestorePatchStore(b.Client, collection), nil
}

func (s *FirestorePatchStore) coll() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestorePatchStore) Append(ctx context.Context, ref string, ops []patch.Change, extra map[string]any) (*Patch, error) {
	p, err := newPatch(ref, ops, extra)
	if err != nil {
		return nil, err
	}
	// Ops are stored as JSON text: Firestore cannot hold arrays of arrays,
	// which a diff of nested sequences contains.
	encoded, err := encodeOps(p.Ops)
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"ref":       p.Ref,
		"createdAt": p.CreatedAt,
		"ops":       encoded,
	}
	if len(p.Extra) > 0 {
		data["extra"] = p.Extra
	}
	if _, err := s.coll().Doc(p.ID).Create(ctx, data); err != nil {
		return nil, fmt.Errorf("append patch for %q: %w", ref, err)
	}
	return p, nil
}

func (s *FirestorePatchStore) FindByRef(ctx context.Context, ref string, order Order) ([]*Patch, error) {
	dir := firestore.Asc
	if order == Descending {
		dir = firestore.Desc
	}
	iter := s.coll().
		Where("ref", "==", ref).
		OrderBy(firestore.DocumentID, dir).
		Documents(ctx)
	defer iter.Stop()

	var out []*Patch
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		p, err := snapshotToPatch(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func snapshotToPatch(snap *firestore.DocumentSnapshot) (*Patch, error) {
	data := snap.Data()
	raw, ok := data["ops"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid ops field in patch %s", snap.Ref.ID)
	}
	ops, err := decodeOps(raw)
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", snap.Ref.ID, err)
	}
	ref, _ := data["ref"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	extra, _ := data["extra"].(map[string]interface{})
	return &Patch{
		ID:        snap.Ref.ID,
		CreatedAt: createdAt,
		Ref:       ref,
		Ops:       ops,
		Extra:     extra,
	}, nil
}

// RemoveAllForRef deletes the patches of ref concurrently. The first failure
// fails the whole call; patches already deleted stay deleted.
func (s *FirestorePatchStore) RemoveAllForRef(ctx context.Context, ref string) error {
	refs, err := s.queryRefs(ctx, ref)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, dr := range refs {
		g.Go(func() error {
			if _, err := dr.Delete(gctx); err != nil {
				return fmt.Errorf("remove patch %s: %w", dr.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *FirestorePatchStore) queryRefs(ctx context.Context, ref string) ([]*firestore.DocumentRef, error) {
	iter := s.coll().Where("ref", "==", ref).Documents(ctx)
	defer iter.Stop()

	var refs []*firestore.DocumentRef
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, snap.Ref)
	}
}
