package patch

import (
	"fmt"
	"slices"
)

// Revert undoes a single change against tree and returns the resulting root.
// Maps inside tree are modified in place; callers that need to keep the
// original should pass a Clone.
//
// A change whose path no longer exists in tree leaves tree untouched. Use
// TryRevert to observe that case.
func Revert(tree any, c Change) any {
	out, _ := TryRevert(tree, c)
	return out
}

// RevertAll undoes ops against tree in reverse emission order.
func RevertAll(tree any, ops []Change) any {
	for i := len(ops) - 1; i >= 0; i-- {
		tree = Revert(tree, ops[i])
	}
	return tree
}

// TryRevert is Revert, but reports a DiffInconsistency error when the change
// could not be applied. The returned tree is always usable.
func TryRevert(tree any, c Change) (any, error) {
	if err := c.Validate(); err != nil {
		return tree, inconsistent(c, err.Error())
	}

	if c.Kind == ArrayChange {
		return update(tree, c.Path, func(node any) (any, error) {
			s, ok := node.([]any)
			if !ok {
				return node, inconsistent(c, fmt.Sprintf("expected sequence, found %T", node))
			}
			return revertElement(s, c.Index, *c.Item, c)
		})
	}

	if len(c.Path) == 0 {
		switch c.Kind {
		case Added:
			return nil, nil
		default:
			return Clone(c.LHS), nil
		}
	}

	parent, last := c.Path[:len(c.Path)-1], c.Path[len(c.Path)-1]
	return update(tree, parent, func(node any) (any, error) {
		switch key := last.(type) {
		case string:
			m, ok := node.(map[string]any)
			if !ok {
				return node, inconsistent(c, fmt.Sprintf("expected map, found %T", node))
			}
			return m, revertKey(m, key, c)
		case int:
			s, ok := node.([]any)
			if !ok {
				return node, inconsistent(c, fmt.Sprintf("expected sequence, found %T", node))
			}
			return revertElement(s, key, c, c)
		}
		return node, inconsistent(c, fmt.Sprintf("unsupported path element %T", last))
	})
}

func revertKey(m map[string]any, key string, c Change) error {
	_, exists := m[key]
	switch c.Kind {
	case Added:
		if !exists {
			return inconsistent(c, "added key is gone")
		}
		delete(m, key)
	case Deleted:
		m[key] = Clone(c.LHS)
	case Edited:
		if !exists {
			return inconsistent(c, "edited key is gone")
		}
		m[key] = Clone(c.LHS)
	}
	return nil
}

// revertElement applies op (the nested item of an array change, or a plain
// change addressed by index) to s at index i.
func revertElement(s []any, i int, op Change, c Change) ([]any, error) {
	switch op.Kind {
	case Added:
		if i < 0 || i >= len(s) {
			return s, inconsistent(c, fmt.Sprintf("index %d out of range (len %d)", i, len(s)))
		}
		return slices.Delete(s, i, i+1), nil
	case Deleted:
		if i < 0 || i > len(s) {
			return s, inconsistent(c, fmt.Sprintf("index %d out of range (len %d)", i, len(s)))
		}
		return slices.Insert(s, i, Clone(op.LHS)), nil
	case Edited:
		if i < 0 || i >= len(s) {
			return s, inconsistent(c, fmt.Sprintf("index %d out of range (len %d)", i, len(s)))
		}
		s[i] = Clone(op.LHS)
		return s, nil
	}
	return s, inconsistent(c, "unsupported element change "+string(op.Kind))
}

// update walks path from node and replaces the addressed node with the
// result of fn, writing the new value back into every parent on the way up.
// On error the tree is left as it was.
func update(node any, path Path, fn func(any) (any, error)) (any, error) {
	if len(path) == 0 {
		return fn(node)
	}
	switch key := path[0].(type) {
	case string:
		m, ok := node.(map[string]any)
		if !ok {
			return node, &Error{Kind: ErrKindDiffInconsistency, Op: "revert", Err: fmt.Errorf("no map at %q", key)}
		}
		child, ok := m[key]
		if !ok {
			return node, &Error{Kind: ErrKindDiffInconsistency, Op: "revert", Err: fmt.Errorf("missing key %q", key)}
		}
		nc, err := update(child, path[1:], fn)
		if err != nil {
			return node, err
		}
		m[key] = nc
		return m, nil
	case int:
		s, ok := node.([]any)
		if !ok || key < 0 || key >= len(s) {
			return node, &Error{Kind: ErrKindDiffInconsistency, Op: "revert", Err: fmt.Errorf("missing index %d", key)}
		}
		nc, err := update(s[key], path[1:], fn)
		if err != nil {
			return node, err
		}
		s[key] = nc
		return s, nil
	}
	return node, &Error{Kind: ErrKindDiffInconsistency, Op: "revert", Err: fmt.Errorf("unsupported path element %T", path[0])}
}

func inconsistent(c Change, msg string) error {
	return &Error{
		Kind: ErrKindDiffInconsistency,
		Op:   "revert",
		Err:  fmt.Errorf("%s at %q: %s", c.Kind, c.Path.String(), msg),
	}
}
