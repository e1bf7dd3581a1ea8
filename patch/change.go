package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies what a Change does to the node at its path.
type Kind string

const (
	Added       Kind = "N" // node exists only on the new side
	Deleted     Kind = "D" // node exists only on the old side
	Edited      Kind = "E" // node exists on both sides with different values
	ArrayChange Kind = "A" // element appended to or removed from a sequence
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Edited:
		return "edited"
	case ArrayChange:
		return "array"
	}
	return "unknown(" + string(k) + ")"
}

// Path locates a node in a tree. Elements are string map keys or int
// sequence indices.
type Path []any

// UnmarshalJSON decodes numeric elements as ints so that decoded paths
// compare equal to the ones produced by Compute.
func (p *Path) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := NormalizePath(raw)
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// NormalizePath converts decoded path elements (json.Number, float64,
// int64 from the various backends) into the string/int form.
func NormalizePath(raw []any) (Path, error) {
	out := make(Path, len(raw))
	for i, el := range raw {
		switch v := el.(type) {
		case string:
			out[i] = v
		case int:
			out[i] = v
		case int64:
			out[i] = int(v)
		case float64:
			out[i] = int(v)
		case json.Number:
			n, err := strconv.Atoi(v.String())
			if err != nil {
				return nil, fmt.Errorf("path element %d: %w", i, err)
			}
			out[i] = n
		default:
			return nil, fmt.Errorf("path element %d: unsupported type %T", i, el)
		}
	}
	return out, nil
}

func (p Path) String() string {
	var b strings.Builder
	for i, el := range p {
		switch v := el.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		default:
			if i > 0 {
				b.WriteByte('.')
			}
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

func (p Path) with(el any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, el)
}

// Change is a single node-level difference between two trees.
// Changes are values and are never mutated once produced.
type Change struct {
	Kind  Kind    `json:"kind"`
	Path  Path    `json:"path,omitempty"`
	LHS   any     `json:"lhs,omitempty"`
	RHS   any     `json:"rhs,omitempty"`
	Index int     `json:"index,omitempty"`
	Item  *Change `json:"item,omitempty"`
}

func (c Change) String() string {
	switch c.Kind {
	case Added:
		return fmt.Sprintf("%s %s = %v", c.Kind, c.Path, c.RHS)
	case Deleted:
		return fmt.Sprintf("%s %s (was %v)", c.Kind, c.Path, c.LHS)
	case Edited:
		return fmt.Sprintf("%s %s: %v -> %v", c.Kind, c.Path, c.LHS, c.RHS)
	case ArrayChange:
		if c.Item == nil {
			return fmt.Sprintf("%s %s[%d]", c.Kind, c.Path, c.Index)
		}
		return fmt.Sprintf("%s %s[%d] %s", c.Kind, c.Path, c.Index, *c.Item)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// Validate checks that c is well formed enough to be reverted.
func (c Change) Validate() error {
	switch c.Kind {
	case Added, Deleted, Edited:
		return nil
	case ArrayChange:
		if c.Item == nil {
			return fmt.Errorf("array change at %s has no item", c.Path)
		}
		if c.Index < 0 {
			return fmt.Errorf("array change at %s has negative index %d", c.Path, c.Index)
		}
		if c.Item.Kind == ArrayChange {
			return fmt.Errorf("array change at %s nests another array change", c.Path)
		}
		return c.Item.Validate()
	}
	return fmt.Errorf("unknown change kind %q", string(c.Kind))
}
