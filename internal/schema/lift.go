package schema

import (
	"fmt"

	"github.com/wassette/wassette/internal/schema/ifacetype"
)

// Lift converts a typed Value to its JSON representation. It is the
// exact inverse of lowering: lift(lower(v)) == v modulo object key
// ordering.
func Lift(v Value) (any, error) {
	if v.Type == nil {
		return nil, fmt.Errorf("lift: value has no type")
	}
	switch v.Type.Kind {
	case ifacetype.KindBool:
		return v.Bool, nil
	case ifacetype.KindU8, ifacetype.KindU16, ifacetype.KindU32, ifacetype.KindU64:
		return v.Uint, nil
	case ifacetype.KindS8, ifacetype.KindS16, ifacetype.KindS32, ifacetype.KindS64:
		return v.Int, nil
	case ifacetype.KindF32, ifacetype.KindF64:
		return v.Float, nil
	case ifacetype.KindString:
		return v.Str, nil
	case ifacetype.KindList:
		out := make([]any, 0, len(v.Elems))
		for i, e := range v.Elems {
			le, err := Lift(e)
			if err != nil {
				return nil, fmt.Errorf("lift list element %d: %w", i, err)
			}
			out = append(out, le)
		}
		return out, nil
	case ifacetype.KindOption:
		if !v.Some {
			return nil, nil
		}
		return liftPayload(v.Payload, "option")
	case ifacetype.KindRecord:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Type.Fields {
			fv, ok := v.Fields[f.Name]
			if !ok {
				return nil, fmt.Errorf("lift record: missing field %q", f.Name)
			}
			lf, err := Lift(fv)
			if err != nil {
				return nil, fmt.Errorf("lift record field %q: %w", f.Name, err)
			}
			out[f.Name] = lf
		}
		return out, nil
	case ifacetype.KindEnum:
		return v.Case, nil
	case ifacetype.KindVariant:
		out := map[string]any{"tag": v.Case}
		if v.Payload != nil {
			lp, err := Lift(*v.Payload)
			if err != nil {
				return nil, fmt.Errorf("lift variant case %q: %w", v.Case, err)
			}
			out["value"] = lp
		}
		return out, nil
	case ifacetype.KindResult:
		tag := "err"
		if v.OK {
			tag = "ok"
		}
		var payload any
		if v.Payload != nil {
			lp, err := Lift(*v.Payload)
			if err != nil {
				return nil, fmt.Errorf("lift result %s: %w", tag, err)
			}
			payload = lp
		}
		return map[string]any{tag: payload}, nil
	default:
		return nil, fmt.Errorf("lift: type %s has no JSON representation", v.Type.Kind)
	}
}

func liftPayload(p *Value, what string) (any, error) {
	if p == nil {
		return nil, fmt.Errorf("lift %s: missing payload", what)
	}
	return Lift(*p)
}

// LiftArgs lifts lowered parameter values back into the argument object
// the guest consumes. Parameter order follows the function signature.
func LiftArgs(fn *ifacetype.Func, values []Value) (map[string]any, error) {
	if len(values) != len(fn.Params) {
		return nil, fmt.Errorf("lift args: have %d values for %d parameters", len(values), len(fn.Params))
	}
	out := make(map[string]any, len(values))
	for i, p := range fn.Params {
		lv, err := Lift(values[i])
		if err != nil {
			return nil, fmt.Errorf("lift argument %q: %w", p.Name, err)
		}
		out[p.Name] = lv
	}
	return out, nil
}
