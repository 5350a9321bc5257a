package schema

import "github.com/wassette/wassette/internal/schema/ifacetype"

// Value is a typed value in the component interface-type algebra. It is
// the currency between the schema bridge and the executor: arguments
// are lowered from JSON into Values, results are lifted from Values
// back into JSON.
//
// Which slots are meaningful depends on Type.Kind, mirroring
// ifacetype.Type: scalars use exactly one of Bool/Uint/Int/Float/Str,
// lists use Elems, records use Fields, variants use Case (+Payload),
// enums use Case, options use Some (+Payload), results use OK
// (+Payload).
type Value struct {
	Type *ifacetype.Type

	Bool  bool
	Uint  uint64
	Int   int64
	Float float64
	Str   string

	Elems  []Value
	Fields map[string]Value

	Case    string
	Some    bool
	OK      bool
	Payload *Value
}

// Equal reports deep equality of two values of the same type. Float
// comparison uses ==, so it is exact and NaN never equals NaN.
func (v Value) Equal(o Value) bool {
	if v.Type == nil || o.Type == nil || v.Type.Kind != o.Type.Kind {
		return false
	}
	switch v.Type.Kind {
	case ifacetype.KindBool:
		return v.Bool == o.Bool
	case ifacetype.KindU8, ifacetype.KindU16, ifacetype.KindU32, ifacetype.KindU64:
		return v.Uint == o.Uint
	case ifacetype.KindS8, ifacetype.KindS16, ifacetype.KindS32, ifacetype.KindS64:
		return v.Int == o.Int
	case ifacetype.KindF32, ifacetype.KindF64:
		return v.Float == o.Float
	case ifacetype.KindString:
		return v.Str == o.Str
	case ifacetype.KindList:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	case ifacetype.KindRecord:
		if len(v.Fields) != len(o.Fields) {
			return false
		}
		for k, fv := range v.Fields {
			ov, ok := o.Fields[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	case ifacetype.KindEnum:
		return v.Case == o.Case
	case ifacetype.KindVariant:
		if v.Case != o.Case {
			return false
		}
		return payloadEqual(v.Payload, o.Payload)
	case ifacetype.KindOption:
		if v.Some != o.Some {
			return false
		}
		if !v.Some {
			return true
		}
		return payloadEqual(v.Payload, o.Payload)
	case ifacetype.KindResult:
		if v.OK != o.OK {
			return false
		}
		return payloadEqual(v.Payload, o.Payload)
	}
	return false
}

func payloadEqual(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
