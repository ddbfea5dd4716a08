package schema

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFlatten(t *testing.T) {
	in := map[string]any{
		"event_type": "like",
		"ctx": map[string]any{
			"geo":   map[string]any{"country": "US", "city": nil},
			"flags": []any{true, map[string]any{"k": "v"}},
			"empty": map[string]any{},
		},
		"list": []any{},
	}

	got := Flatten(in)
	want := map[string]any{
		"event_type":      "like",
		"ctx.geo.country": "US",
		"ctx.geo.city":    nil,
		"ctx.flags.0":     true,
		"ctx.flags.1.k":   "v",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}

	if _, ok := in["ctx"].(map[string]any)["geo"]; !ok {
		t.Error("Flatten mutated its input")
	}
}

func TestFlattenCollisionIsDeterministic(t *testing.T) {
	in := map[string]any{
		"a.b": "literal",
		"a":   map[string]any{"b": "nested"},
	}
	for i := 0; i < 20; i++ {
		if got := Flatten(in)["a.b"]; got != "nested" {
			t.Fatalf("run %d: a.b = %v, want nested", i, got)
		}
	}
}

func TestFlattenProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("wrapping under a parent prefixes every key", prop.ForAll(
		func(m map[string]string) bool {
			inner := make(map[string]any, len(m))
			for k, v := range m {
				inner[k] = v
			}
			flat := Flatten(map[string]any{"p": inner})
			if len(flat) != len(m) {
				return false
			}
			for k, v := range m {
				if flat["p."+k] != v {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.Property("flattening is idempotent", prop.ForAll(
		func(m map[string]string) bool {
			nested := map[string]any{"root": map[string]any{}}
			for k, v := range m {
				nested["root"].(map[string]any)[k] = []any{v, map[string]any{"x": v}}
			}
			once := Flatten(nested)
			return reflect.DeepEqual(once, Flatten(once))
		},
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}
