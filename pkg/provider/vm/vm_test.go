package vm

import (
	"strings"
	"testing"

	"github.com/archetype-iac/archetyped/pkg/kindregistry"
)

func TestAllocateMACDeterministic(t *testing.T) {
	p := New("", "archbr0", kindregistry.Builtin())

	a := p.allocateMAC("archetype-lab1-r1", 0)
	b := p.allocateMAC("archetype-lab1-r1", 0)
	if a != b {
		t.Fatalf("MAC not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "52:54:00:") {
		t.Fatalf("expected QEMU OUI prefix, got %s", a)
	}
	if a == p.allocateMAC("archetype-lab1-r1", 1) {
		t.Fatalf("distinct NIC indexes share a MAC: %s", a)
	}
	if a == p.allocateMAC("archetype-lab1-r2", 0) {
		t.Fatalf("distinct domains share a MAC: %s", a)
	}
}

func TestDomainUUIDShape(t *testing.T) {
	u := domainUUID("archetype-lab1-r1")
	parts := strings.Split(u, "-")
	if len(parts) != 5 {
		t.Fatalf("expected 5 dash-separated groups, got %q", u)
	}
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(parts[i]) != want {
			t.Fatalf("group %d has length %d, want %d (%q)", i, len(parts[i]), want, u)
		}
	}
	if u != domainUUID("archetype-lab1-r1") {
		t.Fatalf("UUID not deterministic")
	}
}

func TestVlanElement(t *testing.T) {
	if got := vlanElement(0); got != "" {
		t.Fatalf("tag 0 must render no vlan element, got %q", got)
	}
	if got := vlanElement(105); got != "<vlan><tag id='105'/></vlan>" {
		t.Fatalf("unexpected vlan element: %q", got)
	}
}

func TestDiskPathOrEmpty(t *testing.T) {
	if got := diskPathOrEmpty(0, "/x/data.qcow2"); got != "" {
		t.Fatalf("zero-size data disk must render empty, got %q", got)
	}
	if got := diskPathOrEmpty(8, "/x/data.qcow2"); got != "/x/data.qcow2" {
		t.Fatalf("got %q", got)
	}
}

func TestNodeNameFromDomain(t *testing.T) {
	if got := nodeNameFromDomain("lab1", "archetype-lab1-r1"); got != "r1" {
		t.Fatalf("got %q, want r1", got)
	}
}

func TestRenderDomainXML(t *testing.T) {
	spec := domainSpec{
		Name:       "archetype-lab1-r1",
		UUID:       domainUUID("archetype-lab1-r1"),
		MemoryMB:   2048,
		VCPU:       2,
		DiskPath:   "/ws/lab1/configs/r1/disk.qcow2",
		Bridge:     "archbr0",
		ConsoleLog: "/ws/lab1/configs/r1/console.log",
		LabID:      "lab1",
		NodeName:   "r1",
		Interfaces: []domainIface{
			{Index: 0, MACAddress: "52:54:00:aa:bb:cc", VLANTag: 101},
			{Index: 1, MACAddress: "52:54:00:aa:bb:cd"},
		},
	}

	xmlDoc, err := renderDomainXML(spec)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		"cache='none' io='native' discard='unmap'",
		"<memballoon model='none'/>",
		"<rng model='virtio'>",
		"/dev/urandom",
		"<cpu mode='host-passthrough'",
		"<archetype:lab_id>lab1</archetype:lab_id>",
		"<archetype:node_name>r1</archetype:node_name>",
		"<vlan><tag id='101'/></vlan>",
		"<mac address='52:54:00:aa:bb:cd'/>",
		"<source path='/ws/lab1/configs/r1/console.log'/>",
	} {
		if !strings.Contains(xmlDoc, want) {
			t.Errorf("domain XML missing %q", want)
		}
	}

	// Untagged NIC must not carry a vlan element; only one appears.
	if strings.Count(xmlDoc, "<vlan>") != 1 {
		t.Errorf("expected exactly one vlan element, got %d", strings.Count(xmlDoc, "<vlan>"))
	}
	// No data disk requested: no vdb target.
	if strings.Contains(xmlDoc, "dev='vdb'") {
		t.Errorf("unexpected data disk in XML")
	}
	// No EFI requested: no pflash loader.
	if strings.Contains(xmlDoc, "pflash") {
		t.Errorf("unexpected EFI loader in XML")
	}

	spec.EFIBoot = true
	spec.DataDiskPath = "/ws/lab1/configs/r1/data.qcow2"
	xmlDoc, err = renderDomainXML(spec)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(xmlDoc, "pflash") {
		t.Errorf("EFI loader missing")
	}
	if !strings.Contains(xmlDoc, "dev='vdb'") {
		t.Errorf("data disk missing")
	}
}
