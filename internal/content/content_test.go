package content

import "testing"

func TestDefaultsLoad(t *testing.T) {
	tables := Defaults()
	if !tables.BlockExists(0) || tables.Solid(0) {
		t.Fatalf("air must exist and be non-solid")
	}
	if !tables.Solid(1) {
		t.Fatalf("stone must be solid")
	}
	if tables.BlockName(1) != "stone" {
		t.Fatalf("BlockName(1) = %q", tables.BlockName(1))
	}
	if !tables.ItemExists(257) {
		t.Fatalf("iron_pickaxe missing")
	}
	if it, _ := tables.Item(257); it.MaxStack != 1 {
		t.Fatalf("tool stack = %d", it.MaxStack)
	}
}

func TestUnknownBlockReadsSolid(t *testing.T) {
	tables := Defaults()
	if !tables.Solid(9999) {
		t.Fatalf("unknown block must be treated as solid")
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	good := []byte(`[{"id":0,"name":"air","solid":false}]`)
	items := []byte(`[]`)

	cases := []struct {
		name   string
		blocks []byte
	}{
		{"missing field", []byte(`[{"id":1,"name":"stone"}]`)},
		{"negative id", []byte(`[{"id":-1,"name":"x","solid":true}]`)},
		{"extra field", []byte(`[{"id":0,"name":"air","solid":false,"bogus":1}]`)},
		{"not an array", []byte(`{"id":0}`)},
		{"bad json", []byte(`[`)},
	}
	for _, c := range cases {
		if _, err := Load(c.blocks, items); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}

	if _, err := Load(good, items); err != nil {
		t.Fatalf("valid tables rejected: %v", err)
	}
}

func TestLoadRejectsDuplicateAndSolidAir(t *testing.T) {
	items := []byte(`[]`)
	dup := []byte(`[{"id":0,"name":"air","solid":false},{"id":0,"name":"air2","solid":false}]`)
	if _, err := Load(dup, items); err == nil {
		t.Fatalf("duplicate id accepted")
	}
	solidAir := []byte(`[{"id":0,"name":"air","solid":true}]`)
	if _, err := Load(solidAir, items); err == nil {
		t.Fatalf("solid air accepted")
	}
	noAir := []byte(`[{"id":1,"name":"stone","solid":true}]`)
	if _, err := Load(noAir, items); err == nil {
		t.Fatalf("missing air accepted")
	}
}
