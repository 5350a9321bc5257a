package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/wassette/wassette/internal/schema/ifacetype"
)

// diagPrinter renders jsonschema error kinds.
var diagPrinter = message.NewPrinter(language.English)

// Diagnostic is one validation failure, located by a JSON-pointer path
// into the argument document.
type Diagnostic struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates argument-validation diagnostics.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "arguments failed validation"
	}
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = fmt.Sprintf("%s: %s", d.Path, d.Message)
	}
	return "arguments failed validation: " + strings.Join(parts, "; ")
}

// LowerArgs validates a JSON argument object against the tool's
// argument schema and builds one typed Value per parameter, in
// declaration order. Extra properties, missing required properties,
// out-of-range integers, and malformed variants are all rejected with
// JSON-pointer paths.
func (t *Tool) LowerArgs(raw json.RawMessage) ([]Value, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	// Typed pass first: decode with number preservation and build
	// Values. Its diagnostics carry exact JSON-pointer paths.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &ValidationError{Diagnostics: []Diagnostic{{Path: "", Message: "arguments must be a JSON object"}}}
	}

	for key := range obj {
		if !t.hasParam(key) {
			return nil, &ValidationError{Diagnostics: []Diagnostic{{Path: "/" + key, Message: "unexpected property"}}}
		}
	}

	values := make([]Value, 0, len(t.Func.Params))
	for _, p := range t.Func.Params {
		rawVal, ok := obj[p.Name]
		if !ok {
			return nil, &ValidationError{Diagnostics: []Diagnostic{{Path: "/" + p.Name, Message: "missing required property"}}}
		}
		v, err := lower("/"+p.Name, p.Type, rawVal)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	// Schema pass second: the published argument schema and the typed
	// lowering must agree; a divergence is a bridge bug surfaced here
	// with standard JSON Schema instance locations.
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Diagnostics: []Diagnostic{{Path: "", Message: "arguments are not valid JSON: " + err.Error()}}}
	}
	if err := t.validator.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			return nil, &ValidationError{Diagnostics: flattenSchemaError(verr)}
		}
		return nil, &ValidationError{Diagnostics: []Diagnostic{{Path: "", Message: err.Error()}}}
	}

	return values, nil
}

func (t *Tool) hasParam(name string) bool {
	for _, p := range t.Func.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func asValidationError(err error, out **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if ok {
		*out = verr
	}
	return ok
}

// flattenSchemaError walks the validation error tree collecting leaf
// diagnostics with JSON-pointer instance locations.
func flattenSchemaError(verr *jsonschema.ValidationError) []Diagnostic {
	if len(verr.Causes) == 0 {
		path := "/" + strings.Join(verr.InstanceLocation, "/")
		if len(verr.InstanceLocation) == 0 {
			path = ""
		}
		return []Diagnostic{{Path: path, Message: verr.ErrorKind.LocalizedString(diagPrinter)}}
	}
	var diags []Diagnostic
	for _, c := range verr.Causes {
		diags = append(diags, flattenSchemaError(c)...)
	}
	return diags
}

func lowerErr(path, format string, args ...any) error {
	return &ValidationError{Diagnostics: []Diagnostic{{Path: path, Message: fmt.Sprintf(format, args...)}}}
}

// lower builds a typed Value from a decoded JSON value (json.Number
// preserved for numerics).
func lower(path string, t *ifacetype.Type, raw any) (Value, error) {
	v := Value{Type: t}
	switch t.Kind {
	case ifacetype.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return v, lowerErr(path, "expected boolean")
		}
		v.Bool = b

	case ifacetype.KindU8, ifacetype.KindU16, ifacetype.KindU32, ifacetype.KindU64:
		n, ok := raw.(json.Number)
		if !ok {
			return v, lowerErr(path, "expected integer")
		}
		u, err := parseUint(n)
		if err != nil {
			return v, lowerErr(path, "expected unsigned integer: %v", err)
		}
		if max, bounded := ifacetype.UintMax(t.Kind); bounded && u > max {
			return v, lowerErr(path, "%d exceeds maximum %d for %s", u, max, t.Kind)
		}
		v.Uint = u

	case ifacetype.KindS8, ifacetype.KindS16, ifacetype.KindS32, ifacetype.KindS64:
		n, ok := raw.(json.Number)
		if !ok {
			return v, lowerErr(path, "expected integer")
		}
		i, err := n.Int64()
		if err != nil {
			return v, lowerErr(path, "expected signed integer: %v", err)
		}
		if min, max, bounded := ifacetype.Bounds(t.Kind); bounded && (i < min || i > max) {
			return v, lowerErr(path, "%d out of range [%d, %d] for %s", i, min, max, t.Kind)
		}
		v.Int = i

	case ifacetype.KindF32, ifacetype.KindF64:
		n, ok := raw.(json.Number)
		if !ok {
			return v, lowerErr(path, "expected number")
		}
		f, err := n.Float64()
		if err != nil {
			return v, lowerErr(path, "expected number: %v", err)
		}
		if t.Kind == ifacetype.KindF32 && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return v, lowerErr(path, "number exceeds f32 range")
		}
		v.Float = f

	case ifacetype.KindString:
		s, ok := raw.(string)
		if !ok {
			return v, lowerErr(path, "expected string")
		}
		v.Str = s

	case ifacetype.KindList:
		arr, ok := raw.([]any)
		if !ok {
			return v, lowerErr(path, "expected array")
		}
		v.Elems = make([]Value, 0, len(arr))
		for i, e := range arr {
			ev, err := lower(fmt.Sprintf("%s/%d", path, i), t.Elem, e)
			if err != nil {
				return v, err
			}
			v.Elems = append(v.Elems, ev)
		}

	case ifacetype.KindOption:
		if raw == nil {
			v.Some = false
			return v, nil
		}
		pv, err := lower(path, t.Elem, raw)
		if err != nil {
			return v, err
		}
		v.Some = true
		v.Payload = &pv

	case ifacetype.KindRecord:
		obj, ok := raw.(map[string]any)
		if !ok {
			return v, lowerErr(path, "expected object")
		}
		for key := range obj {
			if findField(t.Fields, key) == nil {
				return v, lowerErr(path+"/"+key, "unexpected property")
			}
		}
		v.Fields = make(map[string]Value, len(t.Fields))
		for _, f := range t.Fields {
			fr, ok := obj[f.Name]
			if !ok {
				return v, lowerErr(path+"/"+f.Name, "missing required property")
			}
			fv, err := lower(path+"/"+f.Name, f.Type, fr)
			if err != nil {
				return v, err
			}
			v.Fields[f.Name] = fv
		}

	case ifacetype.KindEnum:
		s, ok := raw.(string)
		if !ok {
			return v, lowerErr(path, "expected enum string")
		}
		if findCase(t.Cases, s) == nil {
			return v, lowerErr(path, "unknown enum case %q", s)
		}
		v.Case = s

	case ifacetype.KindVariant:
		obj, ok := raw.(map[string]any)
		if !ok {
			return v, lowerErr(path, "expected tagged variant object")
		}
		tagRaw, ok := obj["tag"]
		if !ok {
			return v, lowerErr(path+"/tag", "missing variant tag")
		}
		tag, ok := tagRaw.(string)
		if !ok {
			return v, lowerErr(path+"/tag", "variant tag must be a string")
		}
		c := findCase(t.Cases, tag)
		if c == nil {
			return v, lowerErr(path+"/tag", "unknown variant case %q", tag)
		}
		v.Case = tag
		if c.Type == nil {
			if _, hasValue := obj["value"]; hasValue {
				return v, lowerErr(path+"/value", "case %q carries no payload", tag)
			}
			if len(obj) > 1 {
				return v, lowerErr(path, "unexpected properties beside tag")
			}
			return v, nil
		}
		payloadRaw, ok := obj["value"]
		if !ok {
			return v, lowerErr(path+"/value", "case %q requires a payload", tag)
		}
		if len(obj) > 2 {
			return v, lowerErr(path, "unexpected properties beside tag and value")
		}
		pv, err := lower(path+"/value", c.Type, payloadRaw)
		if err != nil {
			return v, err
		}
		v.Payload = &pv

	case ifacetype.KindResult:
		obj, ok := raw.(map[string]any)
		if !ok || len(obj) != 1 {
			return v, lowerErr(path, "expected single-branch result object")
		}
		if okRaw, isOK := obj["ok"]; isOK {
			v.OK = true
			if t.Ok != nil {
				pv, err := lower(path+"/ok", t.Ok, okRaw)
				if err != nil {
					return v, err
				}
				v.Payload = &pv
			} else if okRaw != nil {
				return v, lowerErr(path+"/ok", "ok branch carries no payload")
			}
			return v, nil
		}
		if errRaw, isErr := obj["err"]; isErr {
			v.OK = false
			if t.Err != nil {
				pv, err := lower(path+"/err", t.Err, errRaw)
				if err != nil {
					return v, err
				}
				v.Payload = &pv
			} else if errRaw != nil {
				return v, lowerErr(path+"/err", "err branch carries no payload")
			}
			return v, nil
		}
		return v, lowerErr(path, `result object must have an "ok" or "err" property`)

	default:
		return v, lowerErr(path, "type %s has no JSON representation", t.Kind)
	}
	return v, nil
}

// Lower builds a typed value for an arbitrary type from raw JSON. Used
// by the lifecycle manager's dispatch to lower guest results against
// the declared result type.
func Lower(t *ifacetype.Type, raw json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return lower("", t, decoded)
}

func parseUint(n json.Number) (uint64, error) {
	var u uint64
	_, err := fmt.Sscan(n.String(), &u)
	if err != nil || strings.ContainsAny(n.String(), ".eE-") {
		return 0, fmt.Errorf("%q is not an unsigned integer", n.String())
	}
	return u, nil
}

func findField(fields []ifacetype.Field, name string) *ifacetype.Field {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}

func findCase(cases []ifacetype.Case, name string) *ifacetype.Case {
	for i := range cases {
		if cases[i].Name == name {
			return &cases[i]
		}
	}
	return nil
}
