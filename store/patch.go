package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/alimasry/go-patch-history/patch"
)

// ReservedPatchFields are the record attributes included fields may not use.
var ReservedPatchFields = []string{"id", "createdAt", "ref", "ops"}

// Patch is one immutable, persisted structural diff.
//
// On the wire it is a flat object: {id, createdAt, ref, ops, ...extra}.
type Patch struct {
	ID        string
	CreatedAt time.Time
	Ref       string
	Ops       []patch.Change
	Extra     map[string]any
}

func (p Patch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	maps.Copy(out, p.Extra)
	out["id"] = p.ID
	out["createdAt"] = p.CreatedAt
	out["ref"] = p.Ref
	out["ops"] = p.Ops
	return json.Marshal(out)
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Patch
	fields := map[string]any{
		"id":        &out.ID,
		"createdAt": &out.CreatedAt,
		"ref":       &out.Ref,
		"ops":       &out.Ops,
	}
	for name, dst := range fields {
		msg, ok := raw[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(msg, dst); err != nil {
			return fmt.Errorf("patch field %q: %w", name, err)
		}
		delete(raw, name)
	}
	for name, msg := range raw {
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return fmt.Errorf("patch field %q: %w", name, err)
		}
		if out.Extra == nil {
			out.Extra = map[string]any{}
		}
		out.Extra[name] = v
	}
	*p = out
	return nil
}

// IsReservedPatchField reports whether name clashes with a record attribute.
func IsReservedPatchField(name string) bool {
	return slices.Contains(ReservedPatchFields, name)
}

func encodeOps(ops []patch.Change) (string, error) {
	b, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("encode ops: %w", err)
	}
	return string(b), nil
}

func decodeOps(s string) ([]patch.Change, error) {
	var ops []patch.Change
	if err := json.Unmarshal([]byte(s), &ops); err != nil {
		return nil, fmt.Errorf("decode ops: %w", err)
	}
	return ops, nil
}
