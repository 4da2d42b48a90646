package operation

import "math"

// ValueKind classifies runtime values for specialization guards and boxing
// elimination.
type ValueKind uint8

const (
	// Any matches every value. It is the wildcard in specialization signatures.
	Any ValueKind = iota
	Int64
	Float64
	Bool
	String
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case Any:
		return "any"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// IsPrimitive reports whether values of this kind can be held unboxed in a
// frame.
func (k ValueKind) IsPrimitive() bool {
	switch k {
	case Int64, Float64, Bool:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of v. Values without a dedicated kind report Any.
func KindOf(v any) ValueKind {
	switch v.(type) {
	case int64:
		return Int64
	case float64:
		return Float64
	case bool:
		return Bool
	case string:
		return String
	default:
		return Any
	}
}

// Matches reports whether v satisfies the kind.
func (k ValueKind) Matches(v any) bool {
	return k == Any || KindOf(v) == k
}

// Truthy is the default boolean conversion used by BranchFalse and by short
// circuit operations without a converter.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

// EncodePrimitive packs a primitive value into a frame payload word.
func EncodePrimitive(v any) (uint64, ValueKind, bool) {
	switch v := v.(type) {
	case int64:
		return uint64(v), Int64, true
	case float64:
		return math.Float64bits(v), Float64, true
	case bool:
		if v {
			return 1, Bool, true
		}
		return 0, Bool, true
	default:
		return 0, Any, false
	}
}

// DecodePrimitive unpacks a payload word produced by EncodePrimitive.
func DecodePrimitive(bits uint64, kind ValueKind) any {
	switch kind {
	case Int64:
		return int64(bits)
	case Float64:
		return math.Float64frombits(bits)
	case Bool:
		return bits != 0
	default:
		return nil
	}
}
