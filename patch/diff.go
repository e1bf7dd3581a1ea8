package patch

import "sort"

// Compute returns the changes that turn old into next, in emission order.
// The result is empty when the trees are equal.
//
// Maps are compared key by key in sorted key order. Sequences are aligned
// by index only: shared indices are compared first, then trailing elements
// are reported as ArrayChange entries, ascending for additions and
// descending for removals so that reverting in reverse order replays
// cleanly. A reordered sequence shows up as per-index edits.
func Compute(old, next any) []Change {
	var out []Change
	return diffNode(out, nil, old, next, true, true)
}

// ComputeMaps diffs two documents. A nil old map is treated as empty, which
// is how a brand new document is diffed.
func ComputeMaps(old, next map[string]any) []Change {
	if old == nil {
		old = map[string]any{}
	}
	if next == nil {
		next = map[string]any{}
	}
	return Compute(old, next)
}

func diffNode(out []Change, path Path, old, next any, hasOld, hasNew bool) []Change {
	switch {
	case !hasOld && !hasNew:
		return out
	case !hasOld:
		return append(out, Change{Kind: Added, Path: path, RHS: Clone(scalar(next))})
	case !hasNew:
		return append(out, Change{Kind: Deleted, Path: path, LHS: Clone(scalar(old))})
	}

	if isMap(old) && isMap(next) {
		return diffMap(out, path, old.(map[string]any), next.(map[string]any))
	}
	if isSlice(old) && isSlice(next) {
		return diffSlice(out, path, old.([]any), next.([]any))
	}
	if !Equal(old, next) {
		out = append(out, Change{
			Kind: Edited,
			Path: path,
			LHS:  Clone(scalar(old)),
			RHS:  Clone(scalar(next)),
		})
	}
	return out
}

func diffMap(out []Change, path Path, old, next map[string]any) []Change {
	keys := make([]string, 0, len(old)+len(next))
	for k := range old {
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := old[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		ov, hasOld := old[k]
		nv, hasNew := next[k]
		out = diffNode(out, path.with(k), ov, nv, hasOld, hasNew)
	}
	return out
}

func diffSlice(out []Change, path Path, old, next []any) []Change {
	shared := min(len(old), len(next))
	for i := 0; i < shared; i++ {
		out = diffNode(out, path.with(i), old[i], next[i], true, true)
	}
	for i := shared; i < len(next); i++ {
		item := Change{Kind: Added, RHS: Clone(scalar(next[i]))}
		out = append(out, Change{Kind: ArrayChange, Path: path, Index: i, Item: &item})
	}
	for i := len(old) - 1; i >= shared; i-- {
		item := Change{Kind: Deleted, LHS: Clone(scalar(old[i]))}
		out = append(out, Change{Kind: ArrayChange, Path: path, Index: i, Item: &item})
	}
	return out
}
