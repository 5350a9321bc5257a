package ifacetype

import (
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	data := []byte(`{
		"world": "example:toolbox",
		"functions": [
			{
				"name": "compute",
				"docs": "Adds things up.",
				"params": [
					{"name": "x", "type": {"kind": "u32"}},
					{"name": "y", "type": {"kind": "list", "elem": {"kind": "string"}}}
				],
				"result": {
					"kind": "result",
					"ok": {"kind": "record", "fields": [
						{"name": "sum", "type": {"kind": "u32"}},
						{"name": "names", "type": {"kind": "string"}}
					]},
					"err": {"kind": "string"}
				}
			}
		]
	}`)

	iface, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if iface.World != "example:toolbox" {
		t.Errorf("World = %q, want %q", iface.World, "example:toolbox")
	}
	if len(iface.Funcs) != 1 {
		t.Fatalf("len(Funcs) = %d, want 1", len(iface.Funcs))
	}
	fn := iface.Funcs[0]
	if fn.Name != "compute" {
		t.Errorf("Funcs[0].Name = %q, want %q", fn.Name, "compute")
	}
	if len(fn.Params) != 2 {
		t.Fatalf("len(Params) = %d, want 2", len(fn.Params))
	}
	if fn.Params[1].Type.Kind != KindList || fn.Params[1].Type.Elem.Kind != KindString {
		t.Errorf("Params[1] = %s, want list<string>", fn.Params[1].Type)
	}
	if fn.Result.Kind != KindResult {
		t.Errorf("Result.Kind = %q, want result", fn.Result.Kind)
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{
			"duplicate function",
			`{"functions":[
				{"name":"f","params":[]},
				{"name":"f","params":[]}
			]}`,
		},
		{
			"duplicate parameter",
			`{"functions":[{"name":"f","params":[
				{"name":"a","type":{"kind":"u32"}},
				{"name":"a","type":{"kind":"string"}}
			]}]}`,
		},
		{
			"duplicate record field",
			`{"functions":[{"name":"f","params":[
				{"name":"r","type":{"kind":"record","fields":[
					{"name":"x","type":{"kind":"bool"}},
					{"name":"x","type":{"kind":"bool"}}
				]}}
			]}]}`,
		},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.data)); err == nil {
			t.Errorf("Parse() accepted %s", tc.name)
		}
	}
}

func TestValidateRejectsMalformedConstructors(t *testing.T) {
	cases := []struct {
		name string
		typ  *Type
	}{
		{"list without elem", &Type{Kind: KindList}},
		{"option without elem", &Type{Kind: KindOption}},
		{"empty record", &Type{Kind: KindRecord}},
		{"empty variant", &Type{Kind: KindVariant}},
		{"enum case with payload", &Type{Kind: KindEnum, Cases: []Case{{Name: "a", Type: &Type{Kind: KindBool}}}}},
		{"unknown kind", &Type{Kind: "tuple"}},
	}
	for _, tc := range cases {
		if err := tc.typ.Validate(); err == nil {
			t.Errorf("Validate() accepted %s", tc.name)
		}
	}
}

func TestMentionsResource(t *testing.T) {
	direct := &Type{Kind: KindResource}
	if !direct.MentionsResource() {
		t.Error("resource type should mention resource")
	}

	nested := &Type{Kind: KindList, Elem: &Type{
		Kind: KindRecord,
		Fields: []Field{
			{Name: "handle", Type: &Type{Kind: KindOption, Elem: &Type{Kind: KindResource}}},
		},
	}}
	if !nested.MentionsResource() {
		t.Error("deeply nested resource should be found")
	}

	clean := &Type{Kind: KindResult, Ok: &Type{Kind: KindString}, Err: &Type{Kind: KindString}}
	if clean.MentionsResource() {
		t.Error("result<string, string> mentions no resource")
	}

	fn := &Func{
		Name:   "open",
		Params: []Field{{Name: "path", Type: &Type{Kind: KindString}}},
		Result: &Type{Kind: KindResource},
	}
	if !fn.MentionsResource() {
		t.Error("function returning a resource should be flagged")
	}
}

func TestIntegerBounds(t *testing.T) {
	min, max, ok := Bounds(KindS16)
	if !ok || min != -32768 || max != 32767 {
		t.Errorf("Bounds(s16) = (%d, %d, %v)", min, max, ok)
	}
	umax, ok := UintMax(KindU8)
	if !ok || umax != 255 {
		t.Errorf("UintMax(u8) = (%d, %v)", umax, ok)
	}
	if _, _, ok := Bounds(KindU32); ok {
		t.Error("Bounds should not cover unsigned kinds")
	}
}
