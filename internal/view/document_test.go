package view

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseDocumentKeepsKeyOrder(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"zeta":1,"alpha":{"b":2,"a":1},"mid":[1,"x"],"10":"ten","2":"two"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	want := []string{"2", "10", "zeta", "alpha", "mid"}
	if got := doc.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}

	nested, ok := getObject(doc, "alpha")
	if !ok {
		t.Fatal("expected nested object")
	}
	if got := nested.Keys(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("unexpected nested order %v", got)
	}
}

func TestParseDocumentRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `{"a":1} {"b":2}`, `{"a":`} {
		if _, err := ParseDocument([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestObjectPlainAndMarshal(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"b":{"c":[{"d":true}]},"a":null}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	plain := doc.Plain()
	inner := plain["b"].(map[string]any)["c"].([]any)[0].(map[string]any)
	if inner["d"] != true {
		t.Fatalf("unexpected plain conversion %#v", plain)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != `{"b":{"c":[{"d":true}]},"a":null}` {
		t.Fatalf("unexpected marshal output %s", out)
	}
}

func TestArrayIndexKeys(t *testing.T) {
	cases := map[string]bool{
		"0":          true,
		"42":         true,
		"007":        false,
		"-1":         false,
		"4294967295": false,
		"name":       false,
	}
	for key, want := range cases {
		if _, got := arrayIndex(key); got != want {
			t.Errorf("arrayIndex(%q) = %v, want %v", key, got, want)
		}
	}
}
