package history

import (
	"context"
	"errors"

	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/store"
)

// Model coordinates a document store with the hooks registered on it. Hooks
// run in registration order; the first error aborts the operation.
type Model struct {
	docs    store.DocumentStore
	history *History
	hooks   []Hooks
}

// NewModel returns a Model over docs whose history is recorded by h.
func NewModel(docs store.DocumentStore, h *History) *Model {
	return &Model{docs: docs, history: h, hooks: []Hooks{h}}
}

// Use registers additional hooks, run after the history hooks.
func (m *Model) Use(hooks ...Hooks) *Model {
	m.hooks = append(m.hooks, hooks...)
	return m
}

// Name returns the patch model name.
func (m *Model) Name() string { return m.history.Model() }

// History returns the model's patch history.
func (m *Model) History() *History { return m.history }

// Patches gives direct access to the model's patch store.
func (m *Model) Patches() store.PatchStore { return m.history.Patches() }

// New returns an unsaved document.
func (m *Model) New(fields map[string]any) *store.Document {
	return store.NewDocument(fields)
}

// Create saves a new document holding fields.
func (m *Model) Create(ctx context.Context, fields map[string]any) (*store.Document, error) {
	return m.Save(ctx, m.New(fields))
}

func (m *Model) Get(ctx context.Context, id string) (*store.Document, error) {
	doc, err := m.docs.Get(ctx, id)
	if err != nil {
		return nil, patch.Wrap(patch.ErrKindStorage, "get document", err)
	}
	if err := m.run(ctx, Hooks.AfterInit, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *Model) Find(ctx context.Context, q store.Query) ([]*store.Document, error) {
	docs, err := m.docs.Find(ctx, q)
	if err != nil {
		return nil, patch.Wrap(patch.ErrKindStorage, "find documents", err)
	}
	for _, doc := range docs {
		if err := m.run(ctx, Hooks.AfterInit, doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// Save persists doc, creating it when it is new. A document that was not
// loaded through the model gets its baseline from the stored copy first.
func (m *Model) Save(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if !doc.IsNew() && doc.Snapshot == nil {
		if err := m.baseline(ctx, doc); err != nil {
			return nil, err
		}
	}
	if err := m.run(ctx, Hooks.BeforeSave, doc); err != nil {
		doc.Appended = nil
		return nil, err
	}

	var (
		saved *store.Document
		err   error
	)
	if doc.IsNew() {
		saved, err = m.docs.Create(ctx, doc)
	} else {
		saved, err = m.docs.Save(ctx, doc)
	}
	if err != nil {
		// The patch stays in history but is never published.
		doc.Appended = nil
		return nil, patch.Wrap(patch.ErrKindStorage, "save document", err)
	}
	// Stores may hand back a different instance; transient state stays.
	saved.Virtuals = doc.Virtuals
	saved.Appended = doc.Appended
	if saved != doc {
		doc.Appended = nil
	}

	if err := m.run(ctx, Hooks.AfterSave, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

func (m *Model) baseline(ctx context.Context, doc *store.Document) error {
	stored, err := m.docs.Get(ctx, doc.ID)
	if err != nil {
		return patch.Wrap(patch.ErrKindStorage, "load baseline", err)
	}
	if err := m.run(ctx, Hooks.AfterInit, stored); err != nil {
		return err
	}
	doc.Snapshot = stored.Snapshot
	return nil
}

// Remove deletes doc after the BeforeRemove hooks ran.
func (m *Model) Remove(ctx context.Context, doc *store.Document) error {
	if err := m.run(ctx, Hooks.BeforeRemove, doc); err != nil {
		return err
	}
	if err := m.docs.Remove(ctx, doc); err != nil {
		return patch.Wrap(patch.ErrKindStorage, "remove document", err)
	}
	return nil
}

// Rollback restores doc to the state before patchID, applies overrides and
// saves the result, which appends one new patch. History is never
// rewritten. On error doc is left unchanged.
func (m *Model) Rollback(ctx context.Context, doc *store.Document, patchID string, overrides map[string]any) (*store.Document, error) {
	state, err := m.history.Reconstruct(ctx, doc, patchID, overrides)
	if err != nil {
		rollbacks.WithLabelValues(m.Name(), rollbackResult(err)).Inc()
		return nil, err
	}

	prev := doc.Fields
	doc.Fields = state
	saved, err := m.Save(ctx, doc)
	if err != nil {
		doc.Fields = prev
		rollbacks.WithLabelValues(m.Name(), rollbackResult(err)).Inc()
		return nil, err
	}
	rollbacks.WithLabelValues(m.Name(), "ok").Inc()
	m.history.log.Info("document rolled back", "ref", doc.RefID(), "patch_id", patchID)
	return saved, nil
}

func rollbackResult(err error) string {
	if errors.Is(err, patch.ErrUnknownPatch) {
		return "unknown_patch"
	}
	return "error"
}

func (m *Model) run(ctx context.Context, hook func(Hooks, context.Context, *store.Document) error, doc *store.Document) error {
	for _, h := range m.hooks {
		if err := hook(h, ctx, doc); err != nil {
			return err
		}
	}
	return nil
}
