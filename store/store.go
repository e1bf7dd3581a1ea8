package store

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/alimasry/go-patch-history/patch"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrEmptyPatch      = errors.New("patch has no operations")
)

// Document is a persisted document. Fields hold its logical state; the
// remaining attributes are maintained by the store.
type Document struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`

	// Virtuals are transient values attached to this instance only. They are
	// never persisted but can feed included patch fields.
	Virtuals map[string]any `json:"-"`
	// Snapshot is the last captured state of Fields, used as diff baseline.
	Snapshot map[string]any `json:"-"`
	// Appended is the patch recorded for the save in progress, if any.
	Appended *Patch `json:"-"`

	isNew bool
}

// NewDocument returns an unsaved document with a fresh id.
func NewDocument(fields map[string]any) *Document {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Document{
		ID:     uuid.NewString(),
		Fields: fields,
		isNew:  true,
	}
}

// RefID makes documents usable as references inside other documents.
func (d *Document) RefID() string { return d.ID }

// IsNew reports whether the document has not been persisted yet.
func (d *Document) IsNew() bool { return d.isNew }

// Get looks name up in the virtuals first, then in the fields.
func (d *Document) Get(name string) (any, bool) {
	if v, ok := d.Virtuals[name]; ok {
		return v, true
	}
	v, ok := d.Fields[name]
	return v, ok
}

// Set merges fields into the document's top-level fields.
func (d *Document) Set(fields map[string]any) *Document {
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	maps.Copy(d.Fields, fields)
	return d
}

// SetVirtual attaches a transient value to this instance.
func (d *Document) SetVirtual(name string, v any) *Document {
	if d.Virtuals == nil {
		d.Virtuals = map[string]any{}
	}
	d.Virtuals[name] = v
	return d
}

// Clone returns a deep copy of the persisted attributes. Virtuals and the
// snapshot are not copied.
func (d *Document) Clone() *Document {
	return &Document{
		ID:        d.ID,
		Fields:    patch.CloneMap(d.Fields),
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		isNew:     d.isNew,
	}
}

// Query selects documents whose top-level fields equal the given values.
// The key "id" matches the document id.
type Query map[string]any

// Matches reports whether doc satisfies q.
func (q Query) Matches(doc *Document) bool {
	for k, v := range q {
		if k == "id" {
			if id, ok := v.(string); !ok || id != doc.ID {
				return false
			}
			continue
		}
		got, ok := doc.Fields[k]
		if !ok || !patch.Equal(got, v) {
			return false
		}
	}
	return true
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, PebbleStore, FirestoreStore.
type DocumentStore interface {
	// Create persists a new document. An empty ID is assigned by the store.
	Create(ctx context.Context, doc *Document) (*Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	Find(ctx context.Context, q Query) ([]*Document, error)
	// Save persists doc's fields if doc.Version matches the stored version,
	// then bumps the version.
	Save(ctx context.Context, doc *Document) (*Document, error)
	Remove(ctx context.Context, doc *Document) error
}

// Order selects the direction of a patch history read.
type Order int

const (
	Ascending Order = iota
	Descending
)

// PatchStore is durable, append-only, per-reference ordered patch storage.
// Implementations: MemoryPatchStore, CachedPatchStore, PebblePatchStore,
// FirestorePatchStore, PostgresPatchStore.
type PatchStore interface {
	// Append stores a new patch with a fresh time-ordered id. It fails with
	// ErrEmptyPatch when ops is empty.
	Append(ctx context.Context, ref string, ops []patch.Change, extra map[string]any) (*Patch, error)
	FindByRef(ctx context.Context, ref string, order Order) ([]*Patch, error)
	// RemoveAllForRef deletes every patch of ref. It succeeds when there are none.
	RemoveAllForRef(ctx context.Context, ref string) error
}

// PatchBackend opens the patch store for a named collection.
type PatchBackend interface {
	OpenPatches(ctx context.Context, collection string) (PatchStore, error)
}

// PatchBackendFunc adapts a function to PatchBackend.
type PatchBackendFunc func(ctx context.Context, collection string) (PatchStore, error)

func (f PatchBackendFunc) OpenPatches(ctx context.Context, collection string) (PatchStore, error) {
	return f(ctx, collection)
}

// newPatch assigns identity and timestamp to a patch about to be appended.
func newPatch(ref string, ops []patch.Change, extra map[string]any) (*Patch, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyPatch
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	p := &Patch{
		ID:        id.String(),
		CreatedAt: time.Now().UTC(),
		Ref:       ref,
		Ops:       ops,
	}
	if len(extra) > 0 {
		p.Extra = maps.Clone(extra)
	}
	return p, nil
}

func reversed(ps []*Patch) []*Patch {
	out := make([]*Patch, len(ps))
	for i, p := range ps {
		out[len(ps)-1-i] = p
	}
	return out
}
