package history

import (
	"context"
	"slices"

	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/store"
)

// Reconstruct returns the state doc had before patchID was applied, with
// overrides deep-merged on top. The target patch itself is undone, so
// rolling back to the latest patch undoes the last change.
//
// The document and its history are left untouched. A patchID that is not
// part of doc's history yields a rollback error wrapping
// patch.ErrUnknownPatch.
func (h *History) Reconstruct(ctx context.Context, doc *store.Document, patchID string, overrides map[string]any) (map[string]any, error) {
	ps, err := h.patches.FindByRef(ctx, doc.RefID(), store.Descending)
	if err != nil {
		return nil, patch.Wrap(patch.ErrKindStorage, "find patches", err)
	}
	target := slices.IndexFunc(ps, func(p *store.Patch) bool { return p.ID == patchID })
	if target < 0 {
		return nil, &patch.Error{Kind: patch.ErrKindRollback, Op: "rollback", Err: patch.ErrUnknownPatch}
	}

	live, err := h.snap.Capture(doc.Fields)
	if err != nil {
		return nil, patch.Wrap(patch.ErrKindRollback, "rollback", err)
	}
	var state any = live
	for _, p := range ps[:target+1] {
		for i := len(p.Ops) - 1; i >= 0; i-- {
			var rerr error
			state, rerr = patch.TryRevert(state, p.Ops[i])
			if rerr != nil {
				h.log.Debug("skipping inconsistent change", "ref", doc.RefID(), "patch_id", p.ID, "error", rerr)
			}
		}
	}

	out, ok := state.(map[string]any)
	if !ok {
		// A root-level change replaced the whole tree; documents are maps.
		out = map[string]any{}
	}
	// Fields the snapshot strips are never part of a patch; carry them over.
	for _, name := range h.snap.Stripped() {
		if v, ok := doc.Fields[name]; ok {
			out[name] = patch.Clone(v)
		}
	}
	return merge(out, overrides), nil
}

// merge deep-merges src into dst and returns dst. Nested maps are merged
// key by key; any other value in src replaces the one in dst.
func merge(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		sm, sok := sv.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			dst[k] = merge(dm, sm)
			continue
		}
		dst[k] = patch.Clone(sv)
	}
	return dst
}
