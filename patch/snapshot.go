package patch

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Reference is implemented by values that link to another document. They are
// captured as their id and never expanded.
type Reference interface {
	RefID() string
}

// Snapshotter renders a document's fields into the canonical tree used as a
// diff baseline.
type Snapshotter struct {
	// IDField is the document's own identity field. It is always stripped.
	IDField string
	// VersionField is the concurrency marker. It is always stripped.
	VersionField string
	// TimestampFields are volatile fields excluded from diffs.
	TimestampFields []string
}

// DefaultSnapshotter strips "_id" and "__v".
func DefaultSnapshotter() Snapshotter {
	return Snapshotter{IDField: "_id", VersionField: "__v"}
}

// Capture returns the canonical tree for fields. It does not modify fields.
// The result only holds nil, bool, float64, string, []any and map[string]any,
// so logically equal inputs always produce structurally identical trees.
func (s Snapshotter) Capture(fields map[string]any) (map[string]any, error) {
	tree := map[string]any{}
	if len(fields) == 0 {
		return tree, nil
	}
	data, err := json.Marshal(canonical(reflect.ValueOf(fields)))
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	for _, name := range s.Stripped() {
		delete(tree, name)
	}
	return tree, nil
}

// Stripped lists the top-level fields Capture removes.
func (s Snapshotter) Stripped() []string {
	names := make([]string, 0, len(s.TimestampFields)+2)
	if s.IDField != "" {
		names = append(names, s.IDField)
	}
	if s.VersionField != "" {
		names = append(names, s.VersionField)
	}
	return append(names, s.TimestampFields...)
}

var referenceType = reflect.TypeFor[Reference]()

// canonical replaces references with their ids anywhere inside v, copying
// containers on the way so the caller's values are left alone.
func canonical(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
	}
	if v.Type().Implements(referenceType) {
		return v.Interface().(Reference).RefID()
	}

	switch v.Kind() {
	case reflect.Interface:
		return canonical(v.Elem())
	case reflect.Pointer:
		if v.Elem().Kind() == reflect.Struct {
			return v.Interface()
		}
		return canonical(v.Elem())
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface()
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = canonical(iter.Value())
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = canonical(v.Index(i))
		}
		return out
	}
	return v.Interface()
}
