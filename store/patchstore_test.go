package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-patch-history/patch"
)

func titleEdit(from, to string) []patch.Change {
	return patch.ComputeMaps(map[string]any{"title": from}, map[string]any{"title": to})
}

func patchIDs(ps []*Patch) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

// uniqueRef returns a reference that does not collide across test runs
// against shared databases.
func uniqueRef(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

// testPatchStore runs the behaviour every PatchStore must share.
func testPatchStore(t *testing.T, s PatchStore) {
	ctx := context.Background()

	t.Run("AppendAssignsIdentity", func(t *testing.T) {
		ref := uniqueRef(t)
		before := time.Now().Add(-time.Second)
		p, err := s.Append(ctx, ref, titleEdit("a", "b"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.RemoveAllForRef(ctx, ref) })

		assert.NotEmpty(t, p.ID)
		assert.Equal(t, ref, p.Ref)
		assert.True(t, p.CreatedAt.After(before), "createdAt %v", p.CreatedAt)
		require.Len(t, p.Ops, 1)
		assert.Equal(t, patch.Edited, p.Ops[0].Kind)
	})

	t.Run("AppendRejectsEmpty", func(t *testing.T) {
		_, err := s.Append(ctx, uniqueRef(t), nil, nil)
		assert.ErrorIs(t, err, ErrEmptyPatch)
	})

	t.Run("FindByRefOrder", func(t *testing.T) {
		ref := uniqueRef(t)
		t.Cleanup(func() { s.RemoveAllForRef(ctx, ref) })

		var want []string
		for i := range 5 {
			p, err := s.Append(ctx, ref, titleEdit(fmt.Sprint(i), fmt.Sprint(i+1)), nil)
			require.NoError(t, err)
			want = append(want, p.ID)
		}

		asc, err := s.FindByRef(ctx, ref, Ascending)
		require.NoError(t, err)
		assert.Equal(t, want, patchIDs(asc))

		desc, err := s.FindByRef(ctx, ref, Descending)
		require.NoError(t, err)
		require.Len(t, desc, 5)
		for i := range desc {
			assert.Equal(t, want[len(want)-1-i], desc[i].ID)
		}
		assert.Equal(t, "4", desc[0].Ops[0].LHS)
	})

	t.Run("FindByRefIsolated", func(t *testing.T) {
		a, b := uniqueRef(t)+"-a", uniqueRef(t)+"-b"
		t.Cleanup(func() {
			s.RemoveAllForRef(ctx, a)
			s.RemoveAllForRef(ctx, b)
		})
		_, err := s.Append(ctx, a, titleEdit("x", "y"), nil)
		require.NoError(t, err)
		_, err = s.Append(ctx, b, titleEdit("x", "y"), nil)
		require.NoError(t, err)

		got, err := s.FindByRef(ctx, a, Ascending)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a, got[0].Ref)
	})

	t.Run("FindByRefUnknown", func(t *testing.T) {
		got, err := s.FindByRef(ctx, uniqueRef(t), Descending)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ExtraFields", func(t *testing.T) {
		ref := uniqueRef(t)
		t.Cleanup(func() { s.RemoveAllForRef(ctx, ref) })

		_, err := s.Append(ctx, ref, titleEdit("a", "b"), map[string]any{"user": "alice"})
		require.NoError(t, err)

		got, err := s.FindByRef(ctx, ref, Ascending)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "alice", got[0].Extra["user"])
	})

	t.Run("RemoveAllForRef", func(t *testing.T) {
		ref, other := uniqueRef(t), uniqueRef(t)+"-other"
		t.Cleanup(func() { s.RemoveAllForRef(ctx, other) })
		for range 3 {
			_, err := s.Append(ctx, ref, titleEdit("a", "b"), nil)
			require.NoError(t, err)
		}
		_, err := s.Append(ctx, other, titleEdit("a", "b"), nil)
		require.NoError(t, err)

		require.NoError(t, s.RemoveAllForRef(ctx, ref))

		got, err := s.FindByRef(ctx, ref, Ascending)
		require.NoError(t, err)
		assert.Empty(t, got)
		kept, err := s.FindByRef(ctx, other, Ascending)
		require.NoError(t, err)
		assert.Len(t, kept, 1)

		// Removing an empty history is not an error.
		assert.NoError(t, s.RemoveAllForRef(ctx, ref))
	})

	t.Run("AppendAfterRemove", func(t *testing.T) {
		ref := uniqueRef(t)
		t.Cleanup(func() { s.RemoveAllForRef(ctx, ref) })
		_, err := s.Append(ctx, ref, titleEdit("a", "b"), nil)
		require.NoError(t, err)
		require.NoError(t, s.RemoveAllForRef(ctx, ref))

		p, err := s.Append(ctx, ref, titleEdit("b", "c"), nil)
		require.NoError(t, err)
		got, err := s.FindByRef(ctx, ref, Ascending)
		require.NoError(t, err)
		assert.Equal(t, []string{p.ID}, patchIDs(got))
	})

	t.Run("ReturnedPatchesAreCopies", func(t *testing.T) {
		ref := uniqueRef(t)
		t.Cleanup(func() { s.RemoveAllForRef(ctx, ref) })
		_, err := s.Append(ctx, ref, titleEdit("a", "b"), nil)
		require.NoError(t, err)

		got, err := s.FindByRef(ctx, ref, Ascending)
		require.NoError(t, err)
		got[0].Ref = "tampered"

		again, err := s.FindByRef(ctx, ref, Ascending)
		require.NoError(t, err)
		assert.Equal(t, ref, again[0].Ref)
	})
}

func TestMemoryPatchStore(t *testing.T) {
	testPatchStore(t, NewMemoryPatchStore())
}

func TestMemoryPatchStore_Len(t *testing.T) {
	s := NewMemoryPatchStore()
	ctx := context.Background()

	s.Append(ctx, "a", titleEdit("x", "y"), nil)
	s.Append(ctx, "a", titleEdit("y", "z"), nil)
	s.Append(ctx, "b", titleEdit("x", "y"), nil)
	assert.Equal(t, 3, s.Len())

	require.NoError(t, s.RemoveAllForRef(ctx, "a"))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryBackend_OneStorePerCollection(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	a1, err := b.OpenPatches(ctx, "posts_history")
	require.NoError(t, err)
	a2, err := b.OpenPatches(ctx, "posts_history")
	require.NoError(t, err)
	c, err := b.OpenPatches(ctx, "users_history")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, c)
	assert.Equal(t, []string{"posts_history", "users_history"}, b.Collections())
}

func TestPatch_JSONFlattensExtra(t *testing.T) {
	p := &Patch{
		ID:        "p1",
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Ref:       "doc1",
		Ops:       titleEdit("a", "b"),
		Extra:     map[string]any{"user": "alice"},
	}
	data, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "p1",
		"createdAt": "2024-01-02T03:04:05Z",
		"ref": "doc1",
		"ops": [{"kind":"E","path":["title"],"lhs":"a","rhs":"b"}],
		"user": "alice"
	}`, string(data))

	var back Patch
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, p.Ref, back.Ref)
	assert.True(t, p.CreatedAt.Equal(back.CreatedAt))
	assert.Equal(t, map[string]any{"user": "alice"}, back.Extra)
	require.Len(t, back.Ops, 1)
	assert.Equal(t, "b", back.Ops[0].RHS)
}

func TestIsReservedPatchField(t *testing.T) {
	for _, name := range []string{"id", "createdAt", "ref", "ops"} {
		assert.True(t, IsReservedPatchField(name), name)
	}
	assert.False(t, IsReservedPatchField("user"))
}
