// Package overlay implements the cross-host overlay: one trunk-mode
// VTEP per remote peer, plus per-link access-mode
// VXLAN ports that reuse the local endpoint's VLAN tag.
package overlay

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// VTEP is one VXLAN Tunnel Endpoint to a remote host, trunk mode, shared
// by every cross-host link to that peer.
type VTEP struct {
	RemoteIP  string
	Port      string
	VNI       int
	TenantMTU int
	RefCount  int
}

// LinkTunnel is a per-link access-mode VXLAN port realizing one
// cross-host link endpoint.
type LinkTunnel struct {
	LinkID   string
	LabID    string
	Port     string
	RemoteIP string
	VNI      int
	Tag      int
}

// Engine owns the VTEP registry and per-link tunnel table for one agent.
type Engine struct {
	mu      sync.Mutex
	bridge  string
	ovs     *ovsnet.Engine
	vnis    *ovsnet.VNIAllocator
	vteps   map[string]*VTEP       // remote_ip -> VTEP
	tunnels map[string]*LinkTunnel // link_id -> tunnel
	mtuFn   func(ctx context.Context, localIP, remoteIP string) (int, error)
}

// New constructs the overlay engine bound to an already-constructed OVS
// wiring engine.
func New(bridge string, ovs *ovsnet.Engine, vniBase, vniMax int) *Engine {
	return &Engine{
		bridge:  bridge,
		ovs:     ovs,
		vnis:    ovsnet.NewVNIAllocator(vniBase, vniMax),
		vteps:   make(map[string]*VTEP),
		tunnels: make(map[string]*LinkTunnel),
		mtuFn:   ProbeTenantMTU,
	}
}

// EnsureVTEP returns the existing VTEP to remoteIP if one exists
// (idempotent), else allocates a reserved VNI, creates the trunk
// interface, probes tenant MTU, and registers it.
func (e *Engine) EnsureVTEP(ctx context.Context, localIP, remoteIP string) (*VTEP, error) {
	e.mu.Lock()
	if v, ok := e.vteps[remoteIP]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	vni, err := e.vnis.Alloc("vtep:" + remoteIP)
	if err != nil {
		return nil, err
	}
	port := vtepPortName(remoteIP)
	if err := ovsnet.AddTrunkVXLAN(ctx, e.bridge, port, remoteIP, vni, map[string]string{
		"archetype.vtep_remote_ip": remoteIP,
		"archetype.port_kind":      "vxlan-vtep",
	}); err != nil {
		e.vnis.Free(vni)
		return nil, fmt.Errorf("overlay: create VTEP to %s: %w", remoteIP, err)
	}

	mtu, err := e.mtuFn(ctx, localIP, remoteIP)
	if err != nil {
		util.WithField("remote_ip", remoteIP).WithError(err).Warn("overlay: MTU probe failed, using underlay default")
		mtu = 1500 - overheadBytes
	}

	v := &VTEP{RemoteIP: remoteIP, Port: port, VNI: vni, TenantMTU: mtu}
	e.mu.Lock()
	e.vteps[remoteIP] = v
	e.mu.Unlock()
	return v, nil
}

// AttachLink discovers ep's current local VLAN on the shared bridge and
// creates a per-link access-mode VXLAN port with that tag and the
// caller-supplied VNI.
func (e *Engine) AttachLink(ctx context.Context, linkID string, ep ovsnet.Endpoint, vni int, remoteIP string) (*LinkTunnel, error) {
	tag, ok := e.ovs.EndpointTag(ep)
	if !ok {
		return nil, fmt.Errorf("overlay: attach-link: endpoint %s/%s not tracked on shared bridge", ep.NodeName, ep.IfaceName)
	}

	port := linkPortName(linkID)
	if err := ovsnet.AddVXLANPort(ctx, e.bridge, port, remoteIP, vni, tag, map[string]string{
		"archetype.lab_id":    ep.LabID,
		"archetype.link_id":   linkID,
		"archetype.port_kind": "vxlan-link",
	}); err != nil {
		return nil, err
	}

	t := &LinkTunnel{LinkID: linkID, LabID: ep.LabID, Port: port, RemoteIP: remoteIP, VNI: vni, Tag: tag}
	e.mu.Lock()
	e.tunnels[linkID] = t
	if v, ok := e.vteps[remoteIP]; ok {
		v.RefCount++
	}
	e.mu.Unlock()
	e.vnis.Reserve(vni, linkID)
	return t, nil
}

// DetachLink tears down a cross-host link: isolates the container
// endpoint to a unique VLAN, deletes the per-link VXLAN port, and
// optionally decrements/deletes the VTEP if now unused.
func (e *Engine) DetachLink(ctx context.Context, linkID string, ep ovsnet.Endpoint, deleteVTEPIfUnused bool) error {
	if err := e.ovs.IsolateEndpoint(ctx, ep); err != nil {
		return err
	}

	e.mu.Lock()
	t, ok := e.tunnels[linkID]
	if ok {
		delete(e.tunnels, linkID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if err := ovsnet.DelPort(ctx, e.bridge, t.Port); err != nil {
		return err
	}
	e.vnis.Free(t.VNI)

	e.mu.Lock()
	v, ok := e.vteps[t.RemoteIP]
	if ok {
		v.RefCount--
	}
	shouldDelete := ok && v.RefCount <= 0 && deleteVTEPIfUnused
	if shouldDelete {
		delete(e.vteps, t.RemoteIP)
	}
	e.mu.Unlock()

	if shouldDelete {
		return ovsnet.DelPort(ctx, e.bridge, v.Port)
	}
	return nil
}

// Status returns the current VTEP registry and link tunnel table for the
// overlay status introspection endpoint.
func (e *Engine) Status() (vteps []*VTEP, tunnels []*LinkTunnel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.vteps {
		vteps = append(vteps, v)
	}
	for _, t := range e.tunnels {
		tunnels = append(tunnels, t)
	}
	return vteps, tunnels
}

// GetVTEP returns the VTEP registered for remoteIP, if any.
func (e *Engine) GetVTEP(remoteIP string) (*VTEP, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vteps[remoteIP]
	return v, ok
}

// CleanupLab tears down every tunnel belonging to labID (best-effort),
// used by destroy and by the cleanup reconciler.
func (e *Engine) CleanupLab(ctx context.Context, labID string) error {
	e.mu.Lock()
	var toDelete []*LinkTunnel
	for _, t := range e.tunnels {
		if t.LabID == labID {
			toDelete = append(toDelete, t)
		}
	}
	e.mu.Unlock()

	var firstErr error
	for _, t := range toDelete {
		e.mu.Lock()
		if _, still := e.tunnels[t.LinkID]; still {
			delete(e.tunnels, t.LinkID)
			if v, ok := e.vteps[t.RemoteIP]; ok {
				v.RefCount--
			}
		}
		e.mu.Unlock()
		if err := ovsnet.DelPort(ctx, e.bridge, t.Port); err != nil && firstErr == nil {
			firstErr = err
		}
		e.vnis.Free(t.VNI)
	}
	return firstErr
}

// OrphanVXLANGC deletes any VXLAN-type OVS port not registered in the
// VTEP or link-tunnel tables. The caller is
// responsible for the 15-minute "no controller-driven reconciliation"
// gate; this method always scans and deletes unconditionally.
func (e *Engine) OrphanVXLANGC(ctx context.Context) (deleted []string, err error) {
	ports, err := ovsnet.ListPorts(ctx, e.bridge)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	known := make(map[string]bool, len(e.vteps)+len(e.tunnels))
	for _, v := range e.vteps {
		known[v.Port] = true
	}
	for _, t := range e.tunnels {
		known[t.Port] = true
	}
	e.mu.Unlock()

	for _, p := range ports {
		if p.Type != "vxlan" || known[p.Name] {
			continue
		}
		if err := ovsnet.DelPort(ctx, e.bridge, p.Name); err != nil {
			util.WithField("port", p.Name).WithError(err).Warn("overlay: orphan VXLAN GC delete failed")
			continue
		}
		deleted = append(deleted, p.Name)
	}
	return deleted, nil
}

// Recover walks the shared bridge for VXLAN-type ports and reconstructs
// the VTEP registry and per-link tunnel table from their options and
// external-ids. Ports lacking a recognized port_kind are counted as
// orphans and left for the cleanup loop.
func (e *Engine) Recover(ctx context.Context) (vteps, tunnels, orphans int, err error) {
	ports, err := ovsnet.ListPorts(ctx, e.bridge)
	if err != nil {
		return 0, 0, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range ports {
		if p.Type != "vxlan" || p.ExternalIDs["archetype.port_kind"] != "vxlan-vtep" {
			continue
		}
		remoteIP := p.Options["remote_ip"]
		vni, _ := strconv.Atoi(p.Options["key"])
		e.vteps[remoteIP] = &VTEP{RemoteIP: remoteIP, Port: p.Name, VNI: vni, TenantMTU: 1500 - overheadBytes}
		e.vnis.Reserve(vni, "vtep:"+remoteIP)
		vteps++
	}
	for _, p := range ports {
		if p.Type != "vxlan" {
			continue
		}
		switch p.ExternalIDs["archetype.port_kind"] {
		case "vxlan-vtep":
			// seeded above
		case "vxlan-link":
			linkID := p.ExternalIDs["archetype.link_id"]
			if linkID == "" {
				orphans++
				continue
			}
			remoteIP := p.Options["remote_ip"]
			vni, _ := strconv.Atoi(p.Options["key"])
			e.tunnels[linkID] = &LinkTunnel{
				LinkID: linkID, LabID: p.ExternalIDs["archetype.lab_id"],
				Port: p.Name, RemoteIP: remoteIP, VNI: vni, Tag: p.Tag,
			}
			e.vnis.Reserve(vni, linkID)
			if v, ok := e.vteps[remoteIP]; ok {
				v.RefCount++
			}
			tunnels++
		default:
			orphans++
		}
	}
	util.WithField("vteps", vteps).WithField("tunnels", tunnels).WithField("orphans", orphans).Info("overlay: recovery scan complete")
	return vteps, tunnels, orphans, nil
}

func vtepPortName(remoteIP string) string {
	return "vtep-" + shortHash(remoteIP)
}

func linkPortName(linkID string) string {
	return "vxl-" + shortHash(linkID)
}
