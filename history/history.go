// Package history records every committed change of a document as a patch
// and rebuilds earlier states from that record.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/store"
)

// ErrInvalidIncludedField is returned by a save whose document cannot
// supply an included field: a required value is missing or a value has the
// wrong type.
var ErrInvalidIncludedField = errors.New("invalid included field")

// History is the patch history of one document model. It implements Hooks
// and is usually registered on a Model.
type History struct {
	model      string
	collection string
	patches    store.PatchStore
	retain     bool
	includes   []IncludedField
	snap       patch.Snapshotter
	log        *slog.Logger

	mu        sync.RWMutex
	listeners []func(*store.Patch)
}

// New validates opts and opens the patch store for the derived collection.
func New(ctx context.Context, opts Options) (*History, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	model := opts.Transforms.Model(opts.Name)
	collection := opts.Transforms.Collection(opts.Name)
	if model == "" || collection == "" {
		return nil, patch.Errorf(patch.ErrKindConfiguration, "new history",
			"name %q transforms to model %q, collection %q", opts.Name, model, collection)
	}

	patches, err := opts.Backend.OpenPatches(ctx, collection)
	if err != nil {
		return nil, patch.Wrap(patch.ErrKindStorage, "open patches", err)
	}

	return &History{
		model:      model,
		collection: collection,
		patches:    patches,
		retain:     opts.RetainPatchesOnDelete,
		includes:   opts.Includes,
		snap:       *opts.Snapshot,
		log:        opts.Logger.With("model", model),
	}, nil
}

// Model returns the patch model name, e.g. "PostPatches".
func (h *History) Model() string { return h.model }

// Collection returns the patch collection name, e.g. "post_patches".
func (h *History) Collection() string { return h.collection }

// Patches returns the underlying patch store.
func (h *History) Patches() store.PatchStore { return h.patches }

// OnPatch registers fn to be called with every appended patch.
func (h *History) OnPatch(fn func(*store.Patch)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *History) notify(p *store.Patch) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()
	for _, fn := range listeners {
		cp := *p
		fn(&cp)
	}
}

// AfterInit refreshes the snapshot of a freshly loaded document.
func (h *History) AfterInit(_ context.Context, doc *store.Document) error {
	return h.snapshot(doc)
}

// AfterSave refreshes the snapshot once the new state is persisted and
// publishes the patch the save appended.
func (h *History) AfterSave(_ context.Context, doc *store.Document) error {
	if p := doc.Appended; p != nil {
		doc.Appended = nil
		h.notify(p)
	}
	return h.snapshot(doc)
}

func (h *History) snapshot(doc *store.Document) error {
	snap, err := h.snap.Capture(doc.Fields)
	if err != nil {
		return fmt.Errorf("snapshot document %q: %w", doc.ID, err)
	}
	doc.Snapshot = snap
	return nil
}

// BeforeSave diffs the document against its snapshot and appends the
// result as a new patch. A save that changes nothing appends nothing.
func (h *History) BeforeSave(ctx context.Context, doc *store.Document) error {
	doc.Appended = nil
	current, err := h.snap.Capture(doc.Fields)
	if err != nil {
		return fmt.Errorf("snapshot document %q: %w", doc.ID, err)
	}
	base := doc.Snapshot
	if doc.IsNew() {
		base = nil
	}

	ops := patch.ComputeMaps(base, current)
	diffOps.Observe(float64(len(ops)))
	if len(ops) == 0 {
		savesSkipped.WithLabelValues(h.model).Inc()
		h.log.Debug("no changes, skipping patch", "ref", doc.RefID())
		return nil
	}

	extra, err := h.collect(doc)
	if err != nil {
		return err
	}
	p, err := h.patches.Append(ctx, doc.RefID(), ops, extra)
	if err != nil {
		return patch.Wrap(patch.ErrKindStorage, "append patch", err)
	}
	patchesAppended.WithLabelValues(h.model).Inc()
	h.log.Debug("patch appended", "ref", p.Ref, "patch_id", p.ID, "ops", len(ops))
	doc.Appended = p
	return nil
}

// BeforeRemove deletes the document's history unless retention is enabled.
func (h *History) BeforeRemove(ctx context.Context, doc *store.Document) error {
	if h.retain {
		return nil
	}
	if err := h.patches.RemoveAllForRef(ctx, doc.RefID()); err != nil {
		return patch.Wrap(patch.ErrKindStorage, "remove patches", err)
	}
	cascadeRemovals.WithLabelValues(h.model).Inc()
	h.log.Debug("patches removed", "ref", doc.RefID())
	return nil
}

// collect reads the included fields from doc.
func (h *History) collect(doc *store.Document) (map[string]any, error) {
	if len(h.includes) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(h.includes))
	for _, f := range h.includes {
		v, ok := doc.Get(f.source())
		if !ok || v == nil {
			if f.Required {
				return nil, patch.Wrap(patch.ErrKindStorage, "append patch",
					fmt.Errorf("%q is required: %w", f.Name, ErrInvalidIncludedField))
			}
			continue
		}
		cv, ok := coerce(f.Type, v)
		if !ok {
			return nil, patch.Wrap(patch.ErrKindStorage, "append patch",
				fmt.Errorf("%q must be %s, got %T: %w", f.Name, f.Type, v, ErrInvalidIncludedField))
		}
		extra[f.Name] = cv
	}
	return extra, nil
}

// coerce checks v against t. References are stored as their id.
func coerce(t FieldType, v any) (any, bool) {
	if r, ok := v.(patch.Reference); ok {
		v = r.RefID()
		if t == FieldRef {
			return v, true
		}
	}
	switch t {
	case FieldString, FieldRef:
		_, ok := v.(string)
		return v, ok
	case FieldBool:
		_, ok := v.(bool)
		return v, ok
	case FieldNumber:
		f, ok := toFloat(v)
		return f, ok && !math.IsNaN(f)
	}
	return v, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
