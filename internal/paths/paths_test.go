package paths

import (
	"reflect"
	"testing"
)

func TestValuesFlatKeyWinsOverNested(t *testing.T) {
	data := map[string]any{
		"contact.email": "flat@x.com",
		"contact":       map[string]any{"email": "nested@x.com"},
	}
	got := Values(data, "contact.email")
	if !reflect.DeepEqual(got, []any{"flat@x.com"}) {
		t.Fatalf("Values = %v, want flat key to win", got)
	}
}

func TestValuesNestedWalk(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}}
	if got := Values(data, "a.b.c"); !reflect.DeepEqual(got, []any{"deep"}) {
		t.Fatalf("Values = %v", got)
	}
	if got := Values(data, "a.b.missing"); got != nil {
		t.Fatalf("missing path yields %v", got)
	}
	if got := Values(data, "a.b.c.d"); got != nil {
		t.Fatalf("walk through scalar yields %v", got)
	}
}

func TestValuesSplitsListsAndDropsEmpties(t *testing.T) {
	data := map[string]any{
		"tags": []any{"a", "", nil, []any{"b", "c"}},
	}
	if got := Values(data, "tags"); !reflect.DeepEqual(got, []any{"a", "b", "c"}) {
		t.Fatalf("Values = %v", got)
	}
}

func TestFlattenMixedShape(t *testing.T) {
	data := map[string]any{
		"identifier.code": "D1",
		"site":            map[string]any{"name": "north", "zone": []any{"z1", "z2"}},
	}
	got := Flatten(data)
	want := map[string][]any{
		"identifier.code": {"D1"},
		"site.name":       {"north"},
		"site.zone":       {"z1", "z2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Flatten = %v, want %v", got, want)
	}
}

func TestExpandRoundTrip(t *testing.T) {
	flat := map[string]any{
		"a.b.c": "x",
		"a.b.d": "y",
		"top":   "z",
	}
	got := Expand(flat)
	want := map[string]any{
		"a":   map[string]any{"b": map[string]any{"c": "x", "d": "y"}},
		"top": "z",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expand = %v, want %v", got, want)
	}
}

func TestExpandScalarMapCollisionKeepsMap(t *testing.T) {
	flat := map[string]any{
		"a":   "scalar",
		"a.b": "nested",
	}
	got := Expand(flat)
	node, ok := got["a"].(map[string]any)
	if !ok || node["b"] != "nested" {
		t.Fatalf("Expand = %v, want map to win at a", got)
	}
}

func TestFoldLowercases(t *testing.T) {
	if Fold("ACME Corp") != "acme corp" {
		t.Fatalf("Fold mismatch")
	}
	if String(42) != "42" {
		t.Fatalf("String(42) = %q", String(42))
	}
}
