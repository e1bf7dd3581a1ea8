package patch

import (
	"reflect"

	"github.com/mohae/deepcopy"
)

// Clone returns a deep copy of a tree node.
func Clone(v any) any {
	if v == nil {
		return nil
	}
	return deepcopy.Copy(v)
}

// CloneMap returns a deep copy of a map node. A nil map yields an empty one.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepcopy.Copy(m).(map[string]any)
}

// Equal reports whether a and b are structurally equal. Numbers compare by
// value regardless of their Go type and references compare by id.
func Equal(a, b any) bool {
	a, b = scalar(a), scalar(b)
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// scalar folds numeric types into float64 and references into their id so
// that values built by hand compare equal to captured ones.
func scalar(v any) any {
	switch x := v.(type) {
	case Reference:
		return x.RefID()
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func isSlice(v any) bool {
	_, ok := v.([]any)
	return ok
}
