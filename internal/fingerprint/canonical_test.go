package fingerprint

import (
	"strings"
	"testing"
)

func TestCanonicalizeKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}
	b := map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	want := `{"a":1,"b":2,"nested":{"x":false,"y":true}}`
	if string(ca) != want {
		t.Errorf("Canonicalize() = %s, want %s", ca, want)
	}
}

func TestCanonicalizeOmitsNulls(t *testing.T) {
	got, err := Canonicalize(map[string]any{"keep": 1, "drop": nil})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if string(got) != `{"keep":1}` {
		t.Errorf("Canonicalize() = %s, want null member omitted", got)
	}

	// Array nulls stay: removing them would shift positions.
	got, err = Canonicalize([]any{1, nil, 3})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if string(got) != `[1,null,3]` {
		t.Errorf("Canonicalize(array) = %s, want [1,null,3]", got)
	}
}

func TestCanonicalizeArrayOrderKept(t *testing.T) {
	a, _ := Canonicalize([]any{"x", "y"})
	b, _ := Canonicalize([]any{"y", "x"})
	if string(a) == string(b) {
		t.Error("array order was not preserved")
	}
}

func TestCanonicalizeStructEqualsMap(t *testing.T) {
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	fromStruct, err := Canonicalize(doc{Name: "a", Count: 3})
	if err != nil {
		t.Fatalf("Canonicalize(struct) error = %v", err)
	}
	fromMap, err := Canonicalize(map[string]any{"count": 3, "name": "a"})
	if err != nil {
		t.Fatalf("Canonicalize(map) error = %v", err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Errorf("struct and map canonical forms differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestHashFormat(t *testing.T) {
	h, err := Hash(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(h, "sha256:") {
		t.Errorf("Hash() = %q, want sha256: prefix", h)
	}
	if len(h) != len("sha256:")+64 {
		t.Errorf("Hash() length = %d, want 64-char hex digest", len(h))
	}
}

func TestVerify(t *testing.T) {
	v := map[string]any{"total": 119.0, "currency": "EUR"}
	h, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	ok, err := Verify(map[string]any{"currency": "EUR", "total": 119.0}, h)
	if err != nil || !ok {
		t.Errorf("Verify(same content) = %v, %v, want true", ok, err)
	}
	ok, err = Verify(map[string]any{"currency": "USD", "total": 119.0}, h)
	if err != nil || ok {
		t.Errorf("Verify(different content) = %v, %v, want false", ok, err)
	}
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("raw invoice bytes"))
	if !strings.HasPrefix(h, "sha256:") || len(h) != len("sha256:")+64 {
		t.Errorf("HashBytes() = %q", h)
	}
	if h != HashBytes([]byte("raw invoice bytes")) {
		t.Error("HashBytes() not deterministic")
	}
}
