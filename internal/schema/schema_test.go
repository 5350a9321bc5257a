package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wassette/wassette/internal/schema/ifacetype"
)

// computeInterface mirrors a component exporting
// compute(x: u32, y: list<string>) -> result<record{sum: u32, names: string}, string>.
func computeInterface(t *testing.T) *ifacetype.Interface {
	t.Helper()
	iface, err := ifacetype.Parse([]byte(`{
		"functions": [{
			"name": "compute",
			"docs": "Compute a sum.",
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
		}]
	}`))
	require.NoError(t, err)
	return iface
}

func TestExtractComputeSchemas(t *testing.T) {
	tools, err := ExtractTools(computeInterface(t))
	require.NoError(t, err)
	require.Len(t, tools, 1)
	tool := tools[0]

	props := tool.ArgsSchema["properties"].(map[string]any)

	x := props["x"].(map[string]any)
	assert.Equal(t, "integer", x["type"])
	assert.Equal(t, uint64(0), x["minimum"])
	assert.Equal(t, uint64(4294967295), x["maximum"])

	y := props["y"].(map[string]any)
	assert.Equal(t, "array", y["type"])
	assert.Equal(t, map[string]any{"type": "string"}, y["items"])

	// Structured output: two-branch oneOf carrying the record or the
	// string error.
	require.NotNil(t, tool.OutputSchema)
	branches := tool.OutputSchema["oneOf"].([]any)
	require.Len(t, branches, 2)

	okBranch := branches[0].(map[string]any)
	okProps := okBranch["properties"].(map[string]any)
	record := okProps["ok"].(map[string]any)
	assert.Equal(t, "object", record["type"])
	assert.ElementsMatch(t, []any{"sum", "names"}, record["required"].([]any))

	errBranch := branches[1].(map[string]any)
	errProps := errBranch["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, errProps["err"])
}

func TestExtractFiltersResourceFunctions(t *testing.T) {
	iface, err := ifacetype.Parse([]byte(`{
		"functions": [
			{"name": "plain", "params": [{"name": "s", "type": {"kind": "string"}}]},
			{"name": "open", "params": [{"name": "p", "type": {"kind": "string"}}],
			 "result": {"kind": "resource"}}
		]
	}`))
	require.NoError(t, err)

	tools, err := ExtractTools(iface)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "plain", tools[0].Func.Name)
}

func TestLowerArgsValidation(t *testing.T) {
	tools, err := ExtractTools(computeInterface(t))
	require.NoError(t, err)
	tool := tools[0]

	cases := []struct {
		name     string
		args     string
		wantPath string
	}{
		{"missing required", `{"x": 1}`, "/y"},
		{"extra property", `{"x": 1, "y": [], "z": true}`, "/z"},
		{"out of range", `{"x": 4294967296, "y": []}`, "/x"},
		{"wrong element type", `{"x": 1, "y": [42]}`, "/y/0"},
		{"negative unsigned", `{"x": -1, "y": []}`, "/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tool.LowerArgs(json.RawMessage(tc.args))
			require.Error(t, err)
			verr, ok := err.(*ValidationError)
			require.True(t, ok, "want *ValidationError, got %T: %v", err, err)
			found := false
			for _, d := range verr.Diagnostics {
				if strings.HasPrefix(d.Path, tc.wantPath) {
					found = true
				}
			}
			assert.True(t, found, "no diagnostic at %s in %v", tc.wantPath, verr.Diagnostics)
		})
	}
}

func TestLowerArgsBuildsTypedValues(t *testing.T) {
	tools, err := ExtractTools(computeInterface(t))
	require.NoError(t, err)

	values, err := tools[0].LowerArgs(json.RawMessage(`{"x": 7, "y": ["a", "b"]}`))
	require.NoError(t, err)
	require.Len(t, values, 2)

	assert.Equal(t, uint64(7), values[0].Uint)
	require.Len(t, values[1].Elems, 2)
	assert.Equal(t, "a", values[1].Elems[0].Str)
}

func TestVariantLowering(t *testing.T) {
	variant := &ifacetype.Type{
		Kind: ifacetype.KindVariant,
		Cases: []ifacetype.Case{
			{Name: "point", Type: &ifacetype.Type{
				Kind: ifacetype.KindRecord,
				Fields: []ifacetype.Field{
					{Name: "x", Type: &ifacetype.Type{Kind: ifacetype.KindS32}},
				},
			}},
			{Name: "origin"},
		},
	}

	v, err := Lower(variant, json.RawMessage(`{"tag": "point", "value": {"x": -3}}`))
	require.NoError(t, err)
	assert.Equal(t, "point", v.Case)
	assert.Equal(t, int64(-3), v.Payload.Fields["x"].Int)

	v, err = Lower(variant, json.RawMessage(`{"tag": "origin"}`))
	require.NoError(t, err)
	assert.Equal(t, "origin", v.Case)
	assert.Nil(t, v.Payload)

	for _, bad := range []string{
		`{"tag": "nowhere"}`,
		`{"tag": "origin", "value": 1}`,
		`{"tag": "point"}`,
		`{"value": {"x": 1}}`,
	} {
		if _, err := Lower(variant, json.RawMessage(bad)); err == nil {
			t.Errorf("Lower accepted malformed variant %s", bad)
		}
	}
}

// TestRoundTrip checks lift(lower(v)) == v for a structurally rich
// value, modulo key ordering (maps compare unordered anyway).
func TestRoundTrip(t *testing.T) {
	typ := &ifacetype.Type{
		Kind: ifacetype.KindRecord,
		Fields: []ifacetype.Field{
			{Name: "id", Type: &ifacetype.Type{Kind: ifacetype.KindU64}},
			{Name: "ratio", Type: &ifacetype.Type{Kind: ifacetype.KindF64}},
			{Name: "tags", Type: &ifacetype.Type{Kind: ifacetype.KindList, Elem: &ifacetype.Type{Kind: ifacetype.KindString}}},
			{Name: "mode", Type: &ifacetype.Type{Kind: ifacetype.KindEnum, Cases: []ifacetype.Case{{Name: "fast"}, {Name: "safe"}}}},
			{Name: "note", Type: &ifacetype.Type{Kind: ifacetype.KindOption, Elem: &ifacetype.Type{Kind: ifacetype.KindString}}},
			{Name: "outcome", Type: &ifacetype.Type{
				Kind: ifacetype.KindResult,
				Ok:   &ifacetype.Type{Kind: ifacetype.KindU32},
				Err:  &ifacetype.Type{Kind: ifacetype.KindString},
			}},
		},
	}

	docs := []string{
		`{"id": 18446744073709551615, "ratio": 0.5, "tags": ["a"], "mode": "fast", "note": "hi", "outcome": {"ok": 9}}`,
		`{"id": 0, "ratio": -1.25, "tags": [], "mode": "safe", "note": null, "outcome": {"err": "boom"}}`,
	}
	for _, doc := range docs {
		v, err := Lower(typ, json.RawMessage(doc))
		require.NoError(t, err)

		lifted, err := Lift(v)
		require.NoError(t, err)

		raw, err := json.Marshal(lifted)
		require.NoError(t, err)

		v2, err := Lower(typ, raw)
		require.NoError(t, err)
		assert.True(t, v.Equal(v2), "round trip changed value for %s", doc)
	}
}

func TestU64PrecisionSurvivesLowering(t *testing.T) {
	typ := &ifacetype.Type{Kind: ifacetype.KindU64}
	v, err := Lower(typ, json.RawMessage(`18446744073709551615`))
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), v.Uint)
}

func TestLiftArgsMatchesGuestShape(t *testing.T) {
	tools, err := ExtractTools(computeInterface(t))
	require.NoError(t, err)
	tool := tools[0]

	values, err := tool.LowerArgs(json.RawMessage(`{"x": 2, "y": ["n"]}`))
	require.NoError(t, err)

	obj, err := LiftArgs(&tool.Func, values)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), obj["x"])
	assert.Equal(t, []any{"n"}, obj["y"])
}
