package ovsnet

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

// HostInterface describes one interface on the host, as reported by the
// interface-inventory introspection endpoints.
type HostInterface struct {
	Name         string   `json:"name"`
	MTU          int      `json:"mtu"`
	Up           bool     `json:"up"`
	Type         string   `json:"type"`
	MAC          string   `json:"mac,omitempty"`
	Master       string   `json:"master,omitempty"`
	Addresses    []string `json:"addresses,omitempty"`
	DefaultRoute bool     `json:"default_route"`
}

// HostBridge describes one bridge on the host, kernel or OVS.
type HostBridge struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // "kernel" | "ovs"
	PortCount int    `json:"port_count"`
}

// ListHostInterfaces enumerates every interface on the host. When
// withAddresses is set, each entry also carries its IPv4 addresses
// (one extra netlink round-trip per interface, so the cheap inventory
// endpoint leaves it off).
func ListHostInterfaces(withAddresses bool) ([]HostInterface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("ovsnet: list host interfaces: %w", err)
	}

	nameByIndex := make(map[int]string, len(links))
	for _, l := range links {
		nameByIndex[l.Attrs().Index] = l.Attrs().Name
	}
	defRoute := DefaultRouteIface()

	out := make([]HostInterface, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		hi := HostInterface{
			Name:         attrs.Name,
			MTU:          attrs.MTU,
			Up:           attrs.Flags&net.FlagUp != 0,
			Type:         l.Type(),
			Master:       nameByIndex[attrs.MasterIndex],
			DefaultRoute: attrs.Name == defRoute,
		}
		if len(attrs.HardwareAddr) > 0 {
			hi.MAC = attrs.HardwareAddr.String()
		}
		if withAddresses {
			if addrs, err := netlink.AddrList(l, netlink.FAMILY_V4); err == nil {
				for _, a := range addrs {
					hi.Addresses = append(hi.Addresses, a.IPNet.String())
				}
			}
		}
		out = append(out, hi)
	}
	return out, nil
}

// DefaultRouteIface returns the name of the interface carrying the IPv4
// default route, or "" when none is found. Reads /proc/net/route
// directly rather than issuing a netlink route dump.
func DefaultRouteIface() string {
	data, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return ""
	}
	return defaultRouteFrom(string(data))
}

// defaultRouteFrom parses /proc/net/route content: the default route is
// the entry whose destination and mask are both all-zero.
func defaultRouteFrom(routeTable string) string {
	for _, line := range strings.Split(routeTable, "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		if fields[1] == "00000000" && fields[7] == "00000000" {
			return fields[0]
		}
	}
	return ""
}

// DetectNetworkManager reports which network configuration daemon
// appears to own this host's interfaces, by probing the runtime paths
// each one maintains.
func DetectNetworkManager() string {
	probes := []struct {
		path string
		name string
	}{
		{"/run/NetworkManager", "NetworkManager"},
		{"/run/systemd/netif/state", "systemd-networkd"},
		{"/etc/netplan", "netplan"},
		{"/etc/network/interfaces", "ifupdown"},
	}
	for _, p := range probes {
		if _, err := os.Stat(p.path); err == nil {
			return p.name
		}
	}
	return "none"
}

// ListHostBridges enumerates kernel bridges via netlink and OVS bridges
// via ovs-vsctl, merged into one inventory.
func ListHostBridges(ctx context.Context) ([]HostBridge, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("ovsnet: list bridges: %w", err)
	}

	portCount := map[int]int{}
	for _, l := range links {
		if l.Attrs().MasterIndex != 0 {
			portCount[l.Attrs().MasterIndex]++
		}
	}

	var out []HostBridge
	for _, l := range links {
		if l.Type() != "bridge" {
			continue
		}
		out = append(out, HostBridge{
			Name:      l.Attrs().Name,
			Kind:      "kernel",
			PortCount: portCount[l.Attrs().Index],
		})
	}

	ovsBridges, err := ListBridges(ctx)
	if err != nil {
		// OVS being down should not empty the kernel half of the
		// inventory.
		return out, nil
	}
	for _, name := range ovsBridges {
		ports, _ := vsctl(ctx, "list-ports", name)
		out = append(out, HostBridge{
			Name:      name,
			Kind:      "ovs",
			PortCount: len(splitLines(ports)),
		})
	}
	return out, nil
}

// SetHostMTU sets an arbitrary host interface's MTU, the introspection
// API's counterpart to the engine-internal SetMTU used on veths.
func SetHostMTU(name string, mtu int) error {
	return SetMTU(name, mtu)
}

// ExternalAttachment describes one host interface attached into a lab's
// L2 domain via ConnectExternal.
type ExternalAttachment struct {
	Port  string `json:"port"`
	LabID string `json:"lab_id"`
	Tag   int    `json:"vlan"`
}

// ExternalAttachments lists the external-kind ports currently on the
// shared bridge for labID (every lab when labID is empty).
func (e *Engine) ExternalAttachments(ctx context.Context, labID string) ([]ExternalAttachment, error) {
	ports, err := ListPorts(ctx, e.bridge)
	if err != nil {
		return nil, err
	}
	var out []ExternalAttachment
	for _, p := range ports {
		if p.ExternalIDs[labelKind] != "external" {
			continue
		}
		if labID != "" && p.ExternalIDs[labelLabID] != labID {
			continue
		}
		out = append(out, ExternalAttachment{Port: p.Name, LabID: p.ExternalIDs[labelLabID], Tag: p.Tag})
	}
	return out, nil
}
