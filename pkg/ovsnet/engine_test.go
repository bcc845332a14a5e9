package ovsnet

import (
	"context"
	"testing"
)

func newTestEngine() *Engine {
	return &Engine{
		bridge:    "archbr0",
		vlans:     NewVLANAllocator(100, 4000),
		endpoints: make(map[string]*trackedEndpoint),
		links:     make(map[string]*Link),
	}
}

func TestCanonicalLinkID(t *testing.T) {
	tests := []struct {
		aNode, aIface, zNode, zIface string
		want                         string
	}{
		{"r1", "eth1", "r2", "eth1", "r1:eth1-r2:eth1"},
		{"r2", "eth1", "r1", "eth1", "r1:eth1-r2:eth1"}, // order-independent
		{"r1", "eth2", "r1", "eth1", "r1:eth1-r1:eth2"}, // same node, sorted by iface
	}
	for _, tt := range tests {
		got := CanonicalLinkID(tt.aNode, tt.aIface, tt.zNode, tt.zIface)
		if got != tt.want {
			t.Errorf("CanonicalLinkID(%s:%s, %s:%s) = %q, want %q",
				tt.aNode, tt.aIface, tt.zNode, tt.zIface, got, tt.want)
		}
	}
}

func TestRegisterExternalEndpoint(t *testing.T) {
	e := newTestEngine()
	ep := Endpoint{LabID: "lab1", NodeName: "vm1", IfaceName: "eth1"}

	e.RegisterExternalEndpoint(ep, 105)

	tag, ok := e.EndpointTag(ep)
	if !ok || tag != 105 {
		t.Fatalf("expected tag 105 tracked, got %d ok=%v", tag, ok)
	}

	// The registered tag must be reserved: a subsequent alloc in the same
	// lab may not hand it out again.
	got, err := e.AllocTag("lab1")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got == 105 {
		t.Fatalf("allocator handed out a tag already held by an external endpoint")
	}
}

func TestEndpointsForNode(t *testing.T) {
	e := newTestEngine()
	e.RegisterExternalEndpoint(Endpoint{LabID: "lab1", NodeName: "vm1", IfaceName: "eth1"}, 101)
	e.RegisterExternalEndpoint(Endpoint{LabID: "lab1", NodeName: "vm1", IfaceName: "eth2"}, 102)
	e.RegisterExternalEndpoint(Endpoint{LabID: "lab1", NodeName: "vm2", IfaceName: "eth1"}, 103)
	e.RegisterExternalEndpoint(Endpoint{LabID: "lab2", NodeName: "vm1", IfaceName: "eth1"}, 104)

	got := e.EndpointsForNode("lab1", "vm1")
	if len(got) != 2 {
		t.Fatalf("expected 2 endpoints for lab1/vm1, got %d", len(got))
	}
	for _, ep := range got {
		if ep.LabID != "lab1" || ep.NodeName != "vm1" {
			t.Errorf("unexpected endpoint %+v", ep)
		}
	}
}

func TestDetachEndpointIdempotent(t *testing.T) {
	e := newTestEngine()
	ep := Endpoint{LabID: "lab1", NodeName: "r1", IfaceName: "eth1"}

	// Never attached: detach is a no-op, not an error.
	if err := e.DetachEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("detach of untracked endpoint: %v", err)
	}

	// External endpoints are dropped from tracking without any port
	// mutation (the owning provider deletes its own port).
	e.RegisterExternalEndpoint(ep, 101)
	if err := e.DetachEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("detach of external endpoint: %v", err)
	}
	if _, ok := e.EndpointTag(ep); ok {
		t.Fatalf("endpoint still tracked after detach")
	}
}

func TestHotDisconnectUnknownLinkIsIdempotent(t *testing.T) {
	e := newTestEngine()
	if err := e.HotDisconnect(context.Background(), "r1:eth1-r2:eth1"); err != nil {
		t.Fatalf("hot-disconnect of unknown link: %v", err)
	}
}

func TestListLinksSorted(t *testing.T) {
	e := newTestEngine()
	e.links["r1:eth2-r2:eth2"] = &Link{LinkID: "r1:eth2-r2:eth2", LabID: "lab1"}
	e.links["r1:eth1-r2:eth1"] = &Link{LinkID: "r1:eth1-r2:eth1", LabID: "lab1"}
	e.links["x1:eth1-x2:eth1"] = &Link{LinkID: "x1:eth1-x2:eth1", LabID: "lab2"}

	got := e.ListLinks("lab1")
	if len(got) != 2 {
		t.Fatalf("expected 2 links for lab1, got %d", len(got))
	}
	if got[0].LinkID != "r1:eth1-r2:eth1" || got[1].LinkID != "r1:eth2-r2:eth2" {
		t.Fatalf("links not sorted by id: %q, %q", got[0].LinkID, got[1].LinkID)
	}
}

func TestFreeIfUnused(t *testing.T) {
	e := newTestEngine()
	a := Endpoint{LabID: "lab1", NodeName: "r1", IfaceName: "eth1"}
	z := Endpoint{LabID: "lab1", NodeName: "r2", IfaceName: "eth1"}
	e.RegisterExternalEndpoint(a, 101)
	e.RegisterExternalEndpoint(z, 101)

	// Both endpoints still hold 101: it must not return to the pool.
	e.freeIfUnused("lab1", 101)
	tag, err := e.AllocTag("lab1")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if tag == 101 {
		t.Fatalf("tag 101 freed while still held by two endpoints")
	}

	// Drop both holders; now the tag is reclaimable.
	e.mu.Lock()
	delete(e.endpoints, a.key())
	delete(e.endpoints, z.key())
	e.mu.Unlock()
	e.freeIfUnused("lab1", 101)

	tag, err = e.AllocTag("lab1")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if tag != 101 {
		t.Fatalf("expected freed tag 101 to be reused, got %d", tag)
	}
}

func TestPatchPortName(t *testing.T) {
	a := patchPortName("archbr0", "virbr0")
	b := patchPortName("virbr0", "archbr0")
	if a == b {
		t.Fatalf("patch port names for the two directions must differ: %q", a)
	}
	long := patchPortName("archbr-very-long-name", "another-long-bridge")
	if len(long) > 15 {
		t.Fatalf("patch port name exceeds 15 bytes: %q", long)
	}
}

func TestEngineRetagRequiresHookForExternal(t *testing.T) {
	e := newTestEngine()
	ep := Endpoint{LabID: "lab1", NodeName: "vm1", IfaceName: "eth1"}
	e.RegisterExternalEndpoint(ep, 101)

	// No hook installed: isolating an external endpoint must fail loudly
	// rather than silently skip the port mutation.
	if err := e.IsolateEndpoint(context.Background(), ep); err == nil {
		t.Fatalf("expected error isolating external endpoint without a retag hook")
	}

	var gotTag int
	e.SetExternalRetagHook(func(ctx context.Context, hep Endpoint, newTag int) error {
		gotTag = newTag
		return nil
	})
	if err := e.IsolateEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("isolate with hook: %v", err)
	}
	if gotTag == 0 || gotTag == 101 {
		t.Fatalf("expected a fresh isolation tag, got %d", gotTag)
	}
	if tag, _ := e.EndpointTag(ep); tag != gotTag {
		t.Fatalf("tracking not updated: tag=%d hook saw %d", tag, gotTag)
	}
}
