package fingerprint

import (
	"testing"
	"time"
)

type fakeConfig struct {
	Name    string
	Value   int
	private string // exposed by CanonicalFields only under the "_private" key
}

func (c fakeConfig) ClassName() string { return "pkg.fakeConfig" }

func (c fakeConfig) CanonicalFields() map[string]any {
	return map[string]any{
		"name":     c.Name,
		"value":    c.Value,
		"_private": c.private, // must be excluded by leading underscore
	}
}

func TestHashStableAcrossFieldOrder(t *testing.T) {
	a := fakeConfig{Name: "ds", Value: 1}
	h1, err := Hash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s vs %s", h1, h2)
	}
	if len(h1) != Length {
		t.Fatalf("expected %d hex chars, got %d (%s)", Length, len(h1), h1)
	}
}

func TestHashIgnoresPrivateFields(t *testing.T) {
	a := fakeConfig{Name: "ds", Value: 1, private: "one"}
	b := fakeConfig{Name: "ds", Value: 1, private: "two"}
	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected private field to not influence hash: %s != %s", ha, hb)
	}
}

func TestHashDiffersOnValueChange(t *testing.T) {
	a := fakeConfig{Name: "ds", Value: 1}
	b := fakeConfig{Name: "ds", Value: 2}
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha == hb {
		t.Fatal("expected different fingerprints for different configs")
	}
}

func TestCanonicalizeMapKeyOrderInsensitive(t *testing.T) {
	m1 := map[string]any{"b": 1, "a": 2}
	m2 := map[string]any{"a": 2, "b": 1}
	h1, err := Hash(m1)
	if err != nil {
		t.Fatalf("hash m1: %v", err)
	}
	h2, err := Hash(m2)
	if err != nil {
		t.Fatalf("hash m2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected map key insertion order to not matter: %s != %s", h1, h2)
	}
}

func TestCanonicalizeTimeNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	local := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	utc := local.UTC()

	h1, err := Hash(map[string]any{"t": local})
	if err != nil {
		t.Fatalf("hash local: %v", err)
	}
	h2, err := Hash(map[string]any{"t": utc})
	if err != nil {
		t.Fatalf("hash utc: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal instants in different zones to hash equal: %s != %s", h1, h2)
	}
}

func TestRoundtripFromDictToDict(t *testing.T) {
	// Fingerprint-roundtrip property: hash(from_dict(to_dict(c))) == hash(c).
	// Since the core treats a Canonicalizer's CanonicalFields() output as
	// its own "to_dict", reconstructing a fakeConfig from that map and
	// re-hashing must agree, provided private fields (dropped by to_dict)
	// don't participate either time.
	c := fakeConfig{Name: "abc", Value: 42, private: "ignored"}
	dict := c.CanonicalFields()
	delete(dict, "_private")

	rebuilt := fakeConfig{Name: dict["name"].(string), Value: dict["value"].(int)}

	h1, err := Hash(c)
	if err != nil {
		t.Fatalf("hash c: %v", err)
	}
	h2, err := Hash(rebuilt)
	if err != nil {
		t.Fatalf("hash rebuilt: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected roundtrip hash equality: %s != %s", h1, h2)
	}
}
