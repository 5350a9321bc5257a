// Package schema is the bridge between the component interface-type
// algebra and JSON. It runs in three directions:
//
//  1. Extraction: turn a component's interface descriptor into tool
//     schemas: one argument JSON Schema per exported function, plus a
//     structured-output schema for functions returning result<_, _>.
//  2. Argument lowering: validate a JSON argument object against the
//     tool schema and build typed Values for the executor. Validation
//     failures carry JSON-pointer paths.
//  3. Result lifting: convert a typed Value back to JSON.
//
// Lowering followed by lifting of the same typed value yields equal
// JSON, modulo object key ordering. Functions whose signatures mention
// resource types are filtered out during extraction: resources have no
// JSON representation and are deliberately absent from the tool
// surface.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wassette/wassette/internal/schema/ifacetype"
)

// Tool is the schema-bridge view of one exported function: the
// generated schemas plus the compiled validator used for lowering.
type Tool struct {
	Func         ifacetype.Func
	Description  string
	ArgsSchema   map[string]any
	OutputSchema map[string]any

	validator *jsonschema.Schema
}

// ExtractTools derives tool schemas from an extracted interface
// descriptor. Functions mentioning resources are skipped, not errored:
// the rest of the component's surface stays publishable.
func ExtractTools(iface *ifacetype.Interface) ([]*Tool, error) {
	tools := make([]*Tool, 0, len(iface.Funcs))
	for i := range iface.Funcs {
		fn := iface.Funcs[i]
		if fn.MentionsResource() {
			continue
		}
		t := &Tool{
			Func:        fn,
			Description: fn.Docs,
			ArgsSchema:  argsSchema(fn.Params),
		}
		if fn.Result != nil && fn.Result.Kind == ifacetype.KindResult {
			t.OutputSchema = TypeSchema(fn.Result)
		}
		v, err := compileValidator(t.ArgsSchema)
		if err != nil {
			return nil, fmt.Errorf("compile argument schema for %q: %w", fn.Name, err)
		}
		t.validator = v
		tools = append(tools, t)
	}
	return tools, nil
}

// argsSchema builds the argument object schema: one property per
// parameter, all required, nothing extra.
func argsSchema(params []ifacetype.Field) map[string]any {
	props := make(map[string]any, len(params))
	required := make([]any, 0, len(params))
	for _, p := range params {
		props[p.Name] = TypeSchema(p.Type)
		required = append(required, p.Name)
	}
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// TypeSchema maps an interface type to its JSON Schema.
func TypeSchema(t *ifacetype.Type) map[string]any {
	if t == nil {
		return map[string]any{"type": "null"}
	}
	switch t.Kind {
	case ifacetype.KindBool:
		return map[string]any{"type": "boolean"}
	case ifacetype.KindU8, ifacetype.KindU16, ifacetype.KindU32:
		max, _ := ifacetype.UintMax(t.Kind)
		return map[string]any{"type": "integer", "minimum": uint64(0), "maximum": max}
	case ifacetype.KindU64:
		return map[string]any{"type": "integer", "minimum": uint64(0), "maximum": uint64(math.MaxUint64)}
	case ifacetype.KindS8, ifacetype.KindS16, ifacetype.KindS32:
		min, max, _ := ifacetype.Bounds(t.Kind)
		return map[string]any{"type": "integer", "minimum": min, "maximum": max}
	case ifacetype.KindS64:
		return map[string]any{"type": "integer", "minimum": int64(math.MinInt64), "maximum": int64(math.MaxInt64)}
	case ifacetype.KindF32, ifacetype.KindF64:
		return map[string]any{"type": "number"}
	case ifacetype.KindString:
		return map[string]any{"type": "string"}
	case ifacetype.KindList:
		return map[string]any{"type": "array", "items": TypeSchema(t.Elem)}
	case ifacetype.KindOption:
		return map[string]any{"oneOf": []any{TypeSchema(t.Elem), map[string]any{"type": "null"}}}
	case ifacetype.KindRecord:
		props := make(map[string]any, len(t.Fields))
		required := make([]any, 0, len(t.Fields))
		for _, f := range t.Fields {
			props[f.Name] = TypeSchema(f.Type)
			required = append(required, f.Name)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	case ifacetype.KindVariant:
		branches := make([]any, 0, len(t.Cases))
		for _, c := range t.Cases {
			props := map[string]any{"tag": map[string]any{"const": c.Name}}
			required := []any{"tag"}
			if c.Type != nil {
				props["value"] = TypeSchema(c.Type)
				required = append(required, "value")
			}
			branches = append(branches, map[string]any{
				"type":                 "object",
				"properties":           props,
				"required":             required,
				"additionalProperties": false,
			})
		}
		return map[string]any{"oneOf": branches}
	case ifacetype.KindEnum:
		names := make([]any, 0, len(t.Cases))
		for _, c := range t.Cases {
			names = append(names, c.Name)
		}
		return map[string]any{"type": "string", "enum": names}
	case ifacetype.KindResult:
		return map[string]any{"oneOf": []any{
			resultBranch("ok", t.Ok),
			resultBranch("err", t.Err),
		}}
	default:
		// Resources are filtered before schema generation; an unknown
		// kind here is a bridge bug, surface it as an impossible schema.
		return map[string]any{"not": map[string]any{}}
	}
}

func resultBranch(tag string, payload *ifacetype.Type) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{tag: TypeSchema(payload)},
		"required":             []any{tag},
		"additionalProperties": false,
	}
}

// compileValidator compiles a generated schema for argument validation.
func compileValidator(doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees plain decoded values
	// rather than Go-typed numbers.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("args.json", decoded); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("args.json")
}
