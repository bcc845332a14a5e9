package lab

import (
	"context"
	"strings"
	"testing"

	"github.com/archetype-iac/archetyped/pkg/kindregistry"
)

func TestVethNames(t *testing.T) {
	host, ns := vethNames("lab1", "r1", "eth1")

	if len(host) > 15 || len(ns) > 15 {
		t.Fatalf("veth names exceed kernel 15-byte limit: %q %q", host, ns)
	}
	if !strings.HasPrefix(host, "vh") || !strings.HasPrefix(ns, "vn") {
		t.Fatalf("unexpected veth name prefixes: %q %q", host, ns)
	}
	if host == ns {
		t.Fatalf("host and ns sides must differ: %q", host)
	}

	// Deterministic across calls.
	host2, ns2 := vethNames("lab1", "r1", "eth1")
	if host != host2 || ns != ns2 {
		t.Fatalf("veth names not deterministic: %q/%q vs %q/%q", host, ns, host2, ns2)
	}

	// Distinct endpoints get distinct names.
	other, _ := vethNames("lab1", "r1", "eth2")
	if other == host {
		t.Fatalf("distinct endpoints share a veth name: %q", host)
	}
}

func TestNodeNameFromContainer(t *testing.T) {
	name, err := nodeNameFromContainer("archetype-lab1-r1", "lab1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "r1" {
		t.Fatalf("expected r1, got %q", name)
	}

	if _, err := nodeNameFromContainer("archetype-other-r1", "lab1"); err == nil {
		t.Fatalf("expected error for a container from a different lab")
	}
}

func TestLinkedIfaces(t *testing.T) {
	links := []LinkRequest{
		{ANode: "r1", AIface: "eth1", ZNode: "r2", ZIface: "eth1"},
		{ANode: "r1", AIface: "eth1", ZNode: "r3", ZIface: "eth1"}, // r1:eth1 repeated
		{ANode: "r1", AIface: "eth2", ZNode: "peer", ZIface: "eth1", CrossHost: true},
	}

	got := linkedIfaces(links)
	if len(got["r1"]) != 2 {
		t.Fatalf("expected r1 to have 2 distinct linked ifaces, got %v", got["r1"])
	}
	if len(got["peer"]) != 0 {
		t.Fatalf("cross-host Z endpoint must not be wired locally, got %v", got["peer"])
	}
	if len(got["r2"]) != 1 || got["r2"][0] != "eth1" {
		t.Fatalf("expected r2 eth1, got %v", got["r2"])
	}
}

func TestIfaceIndex(t *testing.T) {
	kinds := kindregistry.Builtin()
	linux, _ := kinds.Get("linux")

	tests := []struct {
		iface string
		want  int
	}{
		{"eth1", 0}, // port_start_index=1
		{"eth4", 3},
		{"eth0", 0}, // below start index clamps to 0
		{"mgmt", 0}, // unparsable falls back to 0
	}
	for _, tt := range tests {
		if got := ifaceIndex(linux, tt.iface); got != tt.want {
			t.Errorf("ifaceIndex(%q) = %d, want %d", tt.iface, got, tt.want)
		}
	}
}

func TestResolveInterfaceCounts(t *testing.T) {
	kinds := kindregistry.Builtin()
	nodes := []NodeRequest{
		{Name: "r1", Kind: "linux", InterfaceCount: 2},
		{Name: "r2", Kind: "unknown-kind", InterfaceCount: 2},
	}
	links := []LinkRequest{
		{ANode: "r2", AIface: "eth20", ZNode: "r1", ZIface: "eth1"},
	}

	out := resolveInterfaceCounts(nodes, links, kinds)

	// r1: builtin linux max_ports=16 dominates the requested 2.
	if out[0].InterfaceCount != 16 {
		t.Errorf("r1: expected vendor max-ports 16, got %d", out[0].InterfaceCount)
	}
	// r2: unknown kind, so highest referenced index + 1 + buffer wins.
	// eth20 with default start index 1 is index 19 -> 19+1+1 = 21.
	if out[1].InterfaceCount != 21 {
		t.Errorf("r2: expected link-driven count 21, got %d", out[1].InterfaceCount)
	}
}

func TestProviderForRejectsUnknown(t *testing.T) {
	o := New("agent-1", nil, nil, nil, kindregistry.Builtin(), nil, nil, nil, t.TempDir(), "")

	if _, err := o.providerFor(NodeRequest{Provider: "xen"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	// container provider requested but not wired
	if _, err := o.providerFor(NodeRequest{}); err == nil {
		t.Fatalf("expected provider-disabled error when container provider is nil")
	}
}

func TestValidLabIDTracking(t *testing.T) {
	o := New("agent-1", nil, nil, nil, kindregistry.Builtin(), nil, nil, nil, t.TempDir(), "")

	o.markLabValid("lab1")
	o.markLabValid("lab2")
	o.markLabInvalid("lab1")

	ids, err := o.ValidLabIDs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids["lab1"] || !ids["lab2"] {
		t.Fatalf("expected only lab2 valid, got %v", ids)
	}

	o.SetValidLabIDs([]string{"lab9"})
	ids, _ = o.ValidLabIDs(context.Background())
	if len(ids) != 1 || !ids["lab9"] {
		t.Fatalf("expected wholesale replacement with lab9, got %v", ids)
	}
}

func TestResolveImages(t *testing.T) {
	o := New("agent-1", nil, nil, nil, kindregistry.Builtin(), nil, nil, nil, t.TempDir(), "")

	// Explicit image and builtin default both pass.
	if err := o.resolveImages([]NodeRequest{
		{Name: "r1", Kind: "linux"},
		{Name: "r2", Kind: "whatever", Image: "custom:1"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Unknown kind without an explicit image fails the whole deploy.
	if err := o.resolveImages([]NodeRequest{{Name: "r3", Kind: "no-such-kind"}}); err == nil {
		t.Fatalf("expected image resolution failure for unknown kind")
	}
}
