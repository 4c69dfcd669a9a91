package crs

import (
	"errors"
	"testing"
)

func TestParseSingle(t *testing.T) {
	n, err := Parse("EPSG:6346")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.ID != "EPSG:6346" {
		t.Errorf("ID = %q, want EPSG:6346", n.ID)
	}
	if n.Kind != KindUnknown {
		t.Errorf("Kind = %v, want unknown before classification", n.Kind)
	}
	if n.Authority() != "EPSG" || n.Code() != "6346" {
		t.Errorf("Authority/Code = %q/%q", n.Authority(), n.Code())
	}
	if n.IsCompound() {
		t.Error("single identifier should not be compound")
	}
}

func TestParseCompound(t *testing.T) {
	n, err := Parse("EPSG:6346+NOAA:5224")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Kind != KindCompound {
		t.Errorf("Kind = %v, want compound", n.Kind)
	}
	if n.HorizontalID != "EPSG:6346" {
		t.Errorf("HorizontalID = %q", n.HorizontalID)
	}
	if n.VerticalID != "NOAA:5224" {
		t.Errorf("VerticalID = %q", n.VerticalID)
	}
	if got := n.Horizontal().ID; got != "EPSG:6346" {
		t.Errorf("Horizontal().ID = %q", got)
	}
	if got := n.Vertical().ID; got != "NOAA:5224" {
		t.Errorf("Vertical().ID = %q", got)
	}
}

func TestParseCompoundInheritedAuthority(t *testing.T) {
	// "EPSG:4326+5773" means vertical EPSG:5773.
	n, err := Parse("EPSG:4326+5773")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.VerticalID != "EPSG:5773" {
		t.Errorf("VerticalID = %q, want EPSG:5773", n.VerticalID)
	}
	if n.ID != "EPSG:4326+EPSG:5773" {
		t.Errorf("canonical ID = %q", n.ID)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{"", "EPSG", "EPSG:", ":6346", "A:1+B:2+C:3", "EPSG:4326+"}
	for _, id := range cases {
		if _, err := Parse(id); err == nil {
			t.Errorf("Parse(%q) should fail", id)
		} else {
			var malformed *ErrMalformedID
			if !errors.As(err, &malformed) {
				t.Errorf("Parse(%q) error type = %T", id, err)
			}
		}
	}
}

func TestComponentsOfBareNode(t *testing.T) {
	// A bare CRS is its own horizontal and vertical component: z passes
	// through as ellipsoidal height.
	n := MustParse("EPSG:6318")
	if n.Horizontal().ID != "EPSG:6318" || n.Vertical().ID != "EPSG:6318" {
		t.Errorf("bare node components = %q / %q", n.Horizontal().ID, n.Vertical().ID)
	}
}

func TestNodeComparable(t *testing.T) {
	a := MustParse("EPSG:6346+NOAA:5224")
	b := MustParse("EPSG:6346+NOAA:5224")
	if a != b {
		t.Error("identical parses should compare equal")
	}
	m := map[Node]int{a: 1}
	if m[b] != 1 {
		t.Error("Node should work as a map key")
	}
}

func TestWithKind(t *testing.T) {
	n := MustParse("NOAA:5224").WithKind(KindVertical)
	if n.Kind != KindVertical {
		t.Errorf("Kind = %v", n.Kind)
	}
	c := MustParse("EPSG:6346+NOAA:5224").WithKind(KindHorizontal)
	if c.Kind != KindCompound {
		t.Error("WithKind must not reclassify compound nodes")
	}
}
