package history

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/store"
)

// threeVersions creates a document and edits it twice: v1, v2, v3.
func threeVersions(t *testing.T, m *Model) (*store.Document, []*store.Patch) {
	t.Helper()
	ctx := context.Background()
	doc, err := m.Create(ctx, map[string]any{"title": "v1"})
	require.NoError(t, err)
	for _, title := range []string{"v2", "v3"} {
		doc.Set(map[string]any{"title": title})
		_, err := m.Save(ctx, doc)
		require.NoError(t, err)
	}
	ps := findPatches(t, m, doc.ID)
	require.Len(t, ps, 3)
	return doc, ps
}

func TestRollback_LatestPatchUndoesLastChange(t *testing.T) {
	m := newTestModel(t)
	doc, ps := threeVersions(t, m)

	saved, err := m.Rollback(context.Background(), doc, ps[2].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", saved.Fields["title"])

	after := findPatches(t, m, doc.ID)
	require.Len(t, after, 4)
	assert.JSONEq(t, `[{"kind":"E","path":["title"],"lhs":"v3","rhs":"v2"}]`, opsJSON(t, after[3]))
	// History is only ever appended to.
	for i := range ps {
		assert.Equal(t, ps[i].ID, after[i].ID)
	}
}

func TestRollback_IsInclusive(t *testing.T) {
	m := newTestModel(t)
	doc, ps := threeVersions(t, m)

	saved, err := m.Rollback(context.Background(), doc, ps[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", saved.Fields["title"])
	assert.Len(t, findPatches(t, m, doc.ID), 4)
}

func TestRollback_FirstPatchEmptiesDocument(t *testing.T) {
	m := newTestModel(t)
	doc, ps := threeVersions(t, m)

	saved, err := m.Rollback(context.Background(), doc, ps[0].ID, nil)
	require.NoError(t, err)
	assert.Empty(t, saved.Fields)

	after := findPatches(t, m, doc.ID)
	require.Len(t, after, 4)
	assert.JSONEq(t, `[{"kind":"D","path":["title"],"lhs":"v3"}]`, opsJSON(t, after[3]))
}

func TestRollback_UnknownPatchChangesNothing(t *testing.T) {
	m := newTestModel(t, func(o *Options) { o.Name = "unknownRollbackPatches" })
	ctx := context.Background()
	doc, ps := threeVersions(t, m)
	other, err := m.Create(ctx, map[string]any{"title": "other"})
	require.NoError(t, err)
	foreign := findPatches(t, m, other.ID)[0].ID
	version := doc.Version

	for _, id := range []string{"nope", foreign} {
		_, err := m.Rollback(ctx, doc, id, map[string]any{"title": "override"})
		require.Error(t, err)
		assert.True(t, patch.IsKind(err, patch.ErrKindRollback), "kind %v", patch.KindOf(err))
		assert.ErrorIs(t, err, patch.ErrUnknownPatch)
		assert.Contains(t, err.Error(), "patch doesn't exist")
	}

	assert.Equal(t, "v3", doc.Fields["title"])
	assert.Equal(t, version, doc.Version)
	after := findPatches(t, m, doc.ID)
	assert.Equal(t, patchIDs(ps), patchIDs(after))
	stored, err := m.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "v3", stored.Fields["title"])
	assert.Equal(t, 2.0, testutil.ToFloat64(rollbacks.WithLabelValues("UnknownRollbackPatches", "unknown_patch")))
}

func TestRollback_OverridesDeepMerge(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	doc, err := m.Create(ctx, map[string]any{
		"title": "a",
		"meta":  map[string]any{"views": 1, "lang": "en"},
	})
	require.NoError(t, err)
	doc.Set(map[string]any{"title": "b", "meta": map[string]any{"views": 2, "lang": "en"}})
	_, err = m.Save(ctx, doc)
	require.NoError(t, err)
	ps := findPatches(t, m, doc.ID)
	require.Len(t, ps, 2)

	saved, err := m.Rollback(ctx, doc, ps[1].ID, map[string]any{
		"meta":   map[string]any{"lang": "de"},
		"status": "restored",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":  "a",
		"meta":   map[string]any{"views": float64(1), "lang": "de"},
		"status": "restored",
	}, saved.Fields)
}

func TestRollback_PreservesStrippedFields(t *testing.T) {
	m := newTestModel(t, func(o *Options) {
		o.Snapshot = &patch.Snapshotter{IDField: "_id", VersionField: "__v", TimestampFields: []string{"updatedAt"}}
	})
	ctx := context.Background()
	doc, err := m.Create(ctx, map[string]any{"title": "a", "updatedAt": "t1"})
	require.NoError(t, err)
	doc.Set(map[string]any{"title": "b", "updatedAt": "t2"})
	_, err = m.Save(ctx, doc)
	require.NoError(t, err)
	ps := findPatches(t, m, doc.ID)

	saved, err := m.Rollback(ctx, doc, ps[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "a", "updatedAt": "t2"}, saved.Fields)
}

func TestRollback_CarriesIncludedFields(t *testing.T) {
	m := newTestModel(t, func(o *Options) {
		o.Includes = []IncludedField{{Name: "user"}}
	})
	ctx := context.Background()
	doc, ps := threeVersions(t, m)

	doc.SetVirtual("user", "restorer")
	_, err := m.Rollback(ctx, doc, ps[2].ID, nil)
	require.NoError(t, err)

	after := findPatches(t, m, doc.ID)
	require.Len(t, after, 4)
	assert.Equal(t, "restorer", after[3].Extra["user"])
}

func TestReconstruct_LeavesDocumentAlone(t *testing.T) {
	m := newTestModel(t)
	doc, ps := threeVersions(t, m)

	state, err := m.History().Reconstruct(context.Background(), doc, ps[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "v1"}, state)
	assert.Equal(t, "v3", doc.Fields["title"])
	assert.Len(t, findPatches(t, m, doc.ID), 3)
}

func TestReconstruct_SkipsInconsistentChanges(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	doc, err := m.Create(ctx, map[string]any{"title": "a", "tags": []any{"x"}})
	require.NoError(t, err)
	doc.Set(map[string]any{"title": "b", "tags": []any{"x", "y"}})
	_, err = m.Save(ctx, doc)
	require.NoError(t, err)
	ps := findPatches(t, m, doc.ID)

	// Drift the live document away from its history.
	doc.Fields["tags"] = "not a list"

	state, err := m.History().Reconstruct(ctx, doc, ps[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", state["title"])
	assert.Equal(t, "not a list", state["tags"])
}

func patchIDs(ps []*store.Patch) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}
