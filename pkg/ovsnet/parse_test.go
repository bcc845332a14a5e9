package ovsnet

import (
	"reflect"
	"testing"
)

func TestSplitLines(t *testing.T) {
	got := splitLines("  foo  \n\nbar\n  \nbaz")
	want := []string{"foo", "bar", "baz"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitLines = %v, want %v", got, want)
	}
}

func TestParseOVSInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"42", 42},
		{"[]", 0},
		{"", 0},
		{"  7  ", 7},
	}
	for _, tt := range tests {
		if got := parseOVSInt(tt.in); got != tt.want {
			t.Errorf("parseOVSInt(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseOVSString(t *testing.T) {
	if got := parseOVSString(`"archbr0"`); got != "archbr0" {
		t.Errorf("parseOVSString = %q, want archbr0", got)
	}
	if got := parseOVSString("  archbr0  "); got != "archbr0" {
		t.Errorf("parseOVSString = %q, want archbr0", got)
	}
}

func TestParseOVSMap(t *testing.T) {
	got := parseOVSMap(`{archetype.lab_id="lab-1", archetype.node_name="n1"}`)
	want := map[string]string{
		"archetype.lab_id":   "lab-1",
		"archetype.node_name": "n1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseOVSMap = %v, want %v", got, want)
	}
}

func TestParseOVSMapEmpty(t *testing.T) {
	got := parseOVSMap("{}")
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}
