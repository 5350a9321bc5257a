// Package ifacetype models the interface-type algebra that loaded
// components use to describe their exported functions.
//
// A component's `describe` export returns a JSON interface descriptor.
// This package is the in-memory form of that descriptor: a small closed
// set of type constructors (fixed-width integers, floats, bool, string,
// list, option, record, variant, enum, result, resource) plus the
// function and interface shapes built from them. The schema bridge
// walks these types in both directions: JSON Schema generation on the
// way out, argument lowering and result lifting on the way in.
package ifacetype

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a type constructor.
type Kind string

const (
	KindBool     Kind = "bool"
	KindU8       Kind = "u8"
	KindU16      Kind = "u16"
	KindU32      Kind = "u32"
	KindU64      Kind = "u64"
	KindS8       Kind = "s8"
	KindS16      Kind = "s16"
	KindS32      Kind = "s32"
	KindS64      Kind = "s64"
	KindF32      Kind = "f32"
	KindF64      Kind = "f64"
	KindString   Kind = "string"
	KindList     Kind = "list"
	KindOption   Kind = "option"
	KindRecord   Kind = "record"
	KindVariant  Kind = "variant"
	KindEnum     Kind = "enum"
	KindResult   Kind = "result"
	KindResource Kind = "resource"
)

// Type is one node of the type algebra. Which fields are meaningful
// depends on Kind: Elem for list/option, Fields for record, Cases for
// variant/enum, Ok/Err for result. Scalar kinds use none of them.
type Type struct {
	Kind   Kind    `json:"kind"`
	Elem   *Type   `json:"elem,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Cases  []Case  `json:"cases,omitempty"`
	Ok     *Type   `json:"ok,omitempty"`
	Err    *Type   `json:"err,omitempty"`
}

// Field is a named record field or function parameter.
type Field struct {
	Name string `json:"name"`
	Type *Type  `json:"type"`
}

// Case is one alternative of a variant or enum. Enum cases carry no
// payload; variant cases may.
type Case struct {
	Name string `json:"name"`
	Type *Type  `json:"type,omitempty"`
}

// Func is one exported function of a component.
type Func struct {
	Name   string  `json:"name"`
	Docs   string  `json:"docs,omitempty"`
	Params []Field `json:"params"`
	Result *Type   `json:"result,omitempty"`
}

// Interface is the full extracted descriptor of a component's exports.
type Interface struct {
	World string `json:"world,omitempty"`
	Funcs []Func `json:"functions"`
}

// integer bounds per fixed-width kind.
var intBounds = map[Kind][2]int64{
	KindS8:  {-128, 127},
	KindS16: {-32768, 32767},
	KindS32: {-2147483648, 2147483647},
}

// Bounds returns the inclusive [min, max] range for a signed integer
// kind and whether the kind is a bounded signed integer. S64 is handled
// separately by callers because its bounds do not fit a JSON number
// comparison against float64.
func Bounds(k Kind) (int64, int64, bool) {
	b, ok := intBounds[k]
	if !ok {
		return 0, 0, false
	}
	return b[0], b[1], true
}

// UintMax returns the inclusive maximum for an unsigned integer kind
// and whether the kind is a bounded unsigned integer smaller than u64.
func UintMax(k Kind) (uint64, bool) {
	switch k {
	case KindU8:
		return 255, true
	case KindU16:
		return 65535, true
	case KindU32:
		return 4294967295, true
	}
	return 0, false
}

// IsInteger reports whether the kind is one of the fixed-width integer
// constructors.
func (k Kind) IsInteger() bool {
	switch k {
	case KindU8, KindU16, KindU32, KindU64, KindS8, KindS16, KindS32, KindS64:
		return true
	}
	return false
}

// IsUnsigned reports whether the kind is an unsigned integer.
func (k Kind) IsUnsigned() bool {
	switch k {
	case KindU8, KindU16, KindU32, KindU64:
		return true
	}
	return false
}

// IsFloat reports whether the kind is f32 or f64.
func (k Kind) IsFloat() bool {
	return k == KindF32 || k == KindF64
}

// MentionsResource walks the type and reports whether any node is a
// resource. Functions whose signatures mention resources are filtered
// out of the public tool surface.
func (t *Type) MentionsResource() bool {
	if t == nil {
		return false
	}
	if t.Kind == KindResource {
		return true
	}
	if t.Elem.MentionsResource() || t.Ok.MentionsResource() || t.Err.MentionsResource() {
		return true
	}
	for _, f := range t.Fields {
		if f.Type.MentionsResource() {
			return true
		}
	}
	for _, c := range t.Cases {
		if c.Type.MentionsResource() {
			return true
		}
	}
	return false
}

// MentionsResource reports whether any parameter or the result of the
// function mentions a resource type.
func (f *Func) MentionsResource() bool {
	for _, p := range f.Params {
		if p.Type.MentionsResource() {
			return true
		}
	}
	return f.Result.MentionsResource()
}

// Validate checks the structural well-formedness of a type tree:
// constructors carry the operands their kind requires, record
// fields and variant cases are named and unique.
func (t *Type) Validate() error {
	if t == nil {
		return fmt.Errorf("nil type")
	}
	switch t.Kind {
	case KindBool, KindU8, KindU16, KindU32, KindU64,
		KindS8, KindS16, KindS32, KindS64,
		KindF32, KindF64, KindString, KindResource:
		return nil
	case KindList, KindOption:
		if t.Elem == nil {
			return fmt.Errorf("%s requires an element type", t.Kind)
		}
		return t.Elem.Validate()
	case KindRecord:
		if len(t.Fields) == 0 {
			return fmt.Errorf("record requires at least one field")
		}
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if f.Name == "" {
				return fmt.Errorf("record field missing name")
			}
			if seen[f.Name] {
				return fmt.Errorf("duplicate record field %q", f.Name)
			}
			seen[f.Name] = true
			if err := f.Type.Validate(); err != nil {
				return fmt.Errorf("record field %q: %w", f.Name, err)
			}
		}
		return nil
	case KindVariant, KindEnum:
		if len(t.Cases) == 0 {
			return fmt.Errorf("%s requires at least one case", t.Kind)
		}
		seen := make(map[string]bool, len(t.Cases))
		for _, c := range t.Cases {
			if c.Name == "" {
				return fmt.Errorf("%s case missing name", t.Kind)
			}
			if seen[c.Name] {
				return fmt.Errorf("duplicate %s case %q", t.Kind, c.Name)
			}
			seen[c.Name] = true
			if t.Kind == KindEnum && c.Type != nil {
				return fmt.Errorf("enum case %q must not carry a payload", c.Name)
			}
			if c.Type != nil {
				if err := c.Type.Validate(); err != nil {
					return fmt.Errorf("%s case %q: %w", t.Kind, c.Name, err)
				}
			}
		}
		return nil
	case KindResult:
		if t.Ok != nil {
			if err := t.Ok.Validate(); err != nil {
				return fmt.Errorf("result ok: %w", err)
			}
		}
		if t.Err != nil {
			if err := t.Err.Validate(); err != nil {
				return fmt.Errorf("result err: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown type kind %q", t.Kind)
	}
}

// Validate checks a function signature: named unique params, valid types.
func (f *Func) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("function missing name")
	}
	seen := make(map[string]bool, len(f.Params))
	for _, p := range f.Params {
		if p.Name == "" {
			return fmt.Errorf("function %q: parameter missing name", f.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("function %q: duplicate parameter %q", f.Name, p.Name)
		}
		seen[p.Name] = true
		if err := p.Type.Validate(); err != nil {
			return fmt.Errorf("function %q parameter %q: %w", f.Name, p.Name, err)
		}
	}
	if f.Result != nil {
		if err := f.Result.Validate(); err != nil {
			return fmt.Errorf("function %q result: %w", f.Name, err)
		}
	}
	return nil
}

// Parse decodes and validates a JSON interface descriptor as returned
// by a component's describe export.
func Parse(data []byte) (*Interface, error) {
	var iface Interface
	if err := json.Unmarshal(data, &iface); err != nil {
		return nil, fmt.Errorf("decode interface descriptor: %w", err)
	}
	if len(iface.Funcs) == 0 {
		return nil, fmt.Errorf("interface descriptor exports no functions")
	}
	seen := make(map[string]bool, len(iface.Funcs))
	for i := range iface.Funcs {
		f := &iface.Funcs[i]
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate exported function %q", f.Name)
		}
		seen[f.Name] = true
	}
	return &iface, nil
}

// String renders the type in a compact WIT-like notation, used in
// diagnostics.
func (t *Type) String() string {
	if t == nil {
		return "unit"
	}
	switch t.Kind {
	case KindList:
		return fmt.Sprintf("list<%s>", t.Elem)
	case KindOption:
		return fmt.Sprintf("option<%s>", t.Elem)
	case KindResult:
		return fmt.Sprintf("result<%s, %s>", t.Ok, t.Err)
	case KindRecord:
		return "record"
	case KindVariant:
		return "variant"
	case KindEnum:
		return "enum"
	default:
		return string(t.Kind)
	}
}
