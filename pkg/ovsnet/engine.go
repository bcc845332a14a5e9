// Package ovsnet is the L2 Wiring Engine: one shared OVS bridge per host
// into which every endpoint of every lab is attached, separated by VLAN
// tag.
package ovsnet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/archetype-iac/archetyped/pkg/util"
)

const (
	labelLabID  = "archetype.lab_id"
	labelNode   = "archetype.node_name"
	labelIface  = "archetype.iface_name"
	labelLinkID = "archetype.link_id"
	labelKind   = "archetype.port_kind" // "endpoint" | "vxlan-link" | "vxlan-vtep" | "external" | "patch"
)

// Endpoint identifies a (node, interface) pair attached to the shared
// bridge.
type Endpoint struct {
	LabID     string
	NodeName  string
	IfaceName string
}

func (e Endpoint) key() string { return e.LabID + "/" + e.NodeName + "/" + e.IfaceName }

// trackedEndpoint is the engine's live record of one attached endpoint.
// External marks an endpoint whose host-side port is not a veth owned by
// this engine (the VM provider's libvirt-managed tap interface attached
// directly to the shared bridge) — VLAN bookkeeping
// still flows through the same allocator and tracking map so overlay
// attach/isolate/restore work uniformly across provider kinds, but port
// mutation for an External endpoint is delegated to retagHook instead of
// ovs-vsctl/ip commands this engine would otherwise issue directly.
type trackedEndpoint struct {
	Endpoint
	HostPort string
	NSPort   string
	Tag      int
	External bool
}

// Link is a local (same-host) pairing of two endpoints sharing a VLAN
// tag, identified by the canonical sorted endpoint string.
type Link struct {
	LinkID string
	LabID  string
	A, Z   Endpoint
	Tag    int
}

// Engine owns the shared bridge, the VLAN allocator, and every tracked
// endpoint/link, constructed once by the Agent root object.
type Engine struct {
	mu         sync.Mutex
	bridge     string
	vlans      *VLANAllocator
	endpoints  map[string]*trackedEndpoint // key -> endpoint
	links      map[string]*Link            // linkID -> link
	retagHook  func(ctx context.Context, ep Endpoint, newTag int) error
}

// SetExternalRetagHook installs the callback used to change an External
// endpoint's VLAN tag (the VM provider's SetInterfaceVLAN), since this
// engine does not itself own the port for such endpoints.
func (e *Engine) SetExternalRetagHook(fn func(ctx context.Context, ep Endpoint, newTag int) error) {
	e.mu.Lock()
	e.retagHook = fn
	e.mu.Unlock()
}

// RegisterExternalEndpoint tracks ep at tag without creating a veth or
// OVS port: the caller (a VM domain definition) already attached its own
// NIC to the shared bridge at that tag. Used by the lab orchestrator so
// overlay attach and endpoint introspection work the same for VM and
// container endpoints.
func (e *Engine) RegisterExternalEndpoint(ep Endpoint, tag int) {
	e.mu.Lock()
	e.endpoints[ep.key()] = &trackedEndpoint{Endpoint: ep, Tag: tag, External: true}
	e.vlans.Reserve(ep.LabID, tag)
	e.mu.Unlock()
}

// Bridge returns the name of the shared integration bridge this engine
// manages, for callers (the API surface's status endpoints) that need to
// name it without reaching into engine internals.
func (e *Engine) Bridge() string {
	return e.bridge
}

// New constructs the wiring engine and ensures the shared bridge exists.
func New(ctx context.Context, bridge string, vlanBase, vlanMax int) (*Engine, error) {
	if err := EnsureBridge(ctx, bridge); err != nil {
		return nil, fmt.Errorf("ovsnet: ensure shared bridge %s: %w", bridge, err)
	}
	return &Engine{
		bridge:    bridge,
		vlans:     NewVLANAllocator(vlanBase, vlanMax),
		endpoints: make(map[string]*trackedEndpoint),
		links:     make(map[string]*Link),
	}, nil
}

// CanonicalLinkID builds the alphabetically-sorted link identity string
// {nodeA}:{ifA}-{nodeB}:{ifB}.
func CanonicalLinkID(aNode, aIface, zNode, zIface string) string {
	a := fmt.Sprintf("%s:%s", aNode, aIface)
	z := fmt.Sprintf("%s:%s", zNode, zIface)
	if a > z {
		a, z = z, a
	}
	return a + "-" + z
}

// AttachEndpoint provisions a fresh veth pair for ep, moves the ns side
// into the container namespace (pid), renames it to insideName, and
// attaches the host side to the shared bridge at the given VLAN tag in
// one composite transaction.
func (e *Engine) AttachEndpoint(ctx context.Context, ep Endpoint, pid int, insideName string, hostPort, nsPort string, tag int) error {
	if err := CreateVethPair(hostPort, nsPort); err != nil {
		return err
	}
	if err := MoveToNamespace(nsPort, pid); err != nil {
		_ = DeleteVeth(hostPort)
		return err
	}
	if err := RenameInNamespace(nsPort, insideName); err != nil {
		_ = DeleteVeth(hostPort)
		return err
	}
	if err := SetUp(hostPort); err != nil {
		_ = DeleteVeth(hostPort)
		return err
	}
	if err := AddPort(ctx, e.bridge, hostPort, tag, map[string]string{
		labelLabID: ep.LabID,
		labelNode:  ep.NodeName,
		labelIface: ep.IfaceName,
		labelKind:  "endpoint",
	}); err != nil {
		_ = DeleteVeth(hostPort)
		return err
	}

	e.mu.Lock()
	e.endpoints[ep.key()] = &trackedEndpoint{Endpoint: ep, HostPort: hostPort, NSPort: nsPort, Tag: tag}
	e.vlans.Reserve(ep.LabID, tag)
	e.mu.Unlock()
	return nil
}

// AttachLocalLink wires a same-host link end to end: allocates a fresh
// per-lab VLAN tag, provisions both endpoints' veths at that tag, and
// registers the pair as a tracked Link. On any failure it rolls back
// whichever endpoint was already attached.
func (e *Engine) AttachLocalLink(ctx context.Context, labID string, a, z Endpoint, aPID int, aInside, aHostPort, aNSPort string, zPID int, zInside, zHostPort, zNSPort string) (*Link, error) {
	tag, err := e.vlans.Alloc(labID)
	if err != nil {
		return nil, err
	}

	if err := e.AttachEndpoint(ctx, a, aPID, aInside, aHostPort, aNSPort, tag); err != nil {
		e.vlans.Free(labID, tag)
		return nil, fmt.Errorf("ovsnet: attach-local-link: endpoint %s: %w", a.IfaceName, err)
	}
	if err := e.AttachEndpoint(ctx, z, zPID, zInside, zHostPort, zNSPort, tag); err != nil {
		_ = e.DetachEndpoint(ctx, a)
		e.vlans.Free(labID, tag)
		return nil, fmt.Errorf("ovsnet: attach-local-link: endpoint %s: %w", z.IfaceName, err)
	}

	linkID := CanonicalLinkID(a.NodeName, a.IfaceName, z.NodeName, z.IfaceName)
	link := &Link{LinkID: linkID, LabID: labID, A: a, Z: z, Tag: tag}
	e.mu.Lock()
	e.links[linkID] = link
	e.mu.Unlock()
	return link, nil
}

// DetachEndpoint removes an endpoint's host-side veth and OVS port.
func (e *Engine) DetachEndpoint(ctx context.Context, ep Endpoint) error {
	e.mu.Lock()
	tracked, ok := e.endpoints[ep.key()]
	if ok {
		delete(e.endpoints, ep.key())
	}
	e.mu.Unlock()
	if !ok {
		return nil // idempotent: already removed
	}
	if tracked.External {
		return nil // owning provider removes its own port
	}
	if err := DelPort(ctx, e.bridge, tracked.HostPort); err != nil {
		return err
	}
	return DeleteVeth(tracked.HostPort)
}

// AllocTag allocates a fresh VLAN tag in labID's pool.
func (e *Engine) AllocTag(labID string) (int, error) {
	return e.vlans.Alloc(labID)
}

// EndpointsForNode returns every tracked endpoint for (labID, nodeName),
// used by the event listener's restart repair path.
func (e *Engine) EndpointsForNode(labID, nodeName string) []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Endpoint
	for _, t := range e.endpoints {
		if t.LabID == labID && t.NodeName == nodeName {
			out = append(out, t.Endpoint)
		}
	}
	return out
}

// Reattach re-creates a tracked endpoint's host-side veth and re-attaches
// it to the bridge at its already-recorded VLAN tag, without touching
// the allocator. Container runtimes may recreate the namespace on
// restart and silently drop host-side veths; this puts them back.
// A no-op for External endpoints, whose host
// side is owned by the VM provider, not this engine.
func (e *Engine) Reattach(ctx context.Context, ep Endpoint, pid int, insideName string) error {
	e.mu.Lock()
	tracked, ok := e.endpoints[ep.key()]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("ovsnet: reattach: endpoint %s not tracked", ep.key())
	}
	if tracked.External {
		return nil
	}
	if LinkExists(tracked.HostPort) {
		return nil // survived the restart, nothing to do
	}
	if err := CreateVethPair(tracked.HostPort, tracked.NSPort); err != nil {
		return err
	}
	if err := MoveToNamespace(tracked.NSPort, pid); err != nil {
		_ = DeleteVeth(tracked.HostPort)
		return err
	}
	if err := RenameInNamespace(tracked.NSPort, insideName); err != nil {
		_ = DeleteVeth(tracked.HostPort)
		return err
	}
	if err := SetUp(tracked.HostPort); err != nil {
		_ = DeleteVeth(tracked.HostPort)
		return err
	}
	if err := AddPort(ctx, e.bridge, tracked.HostPort, tracked.Tag, map[string]string{
		labelLabID: ep.LabID,
		labelNode:  ep.NodeName,
		labelIface: ep.IfaceName,
		labelKind:  "endpoint",
	}); err != nil {
		_ = DeleteVeth(tracked.HostPort)
		return err
	}
	return nil
}

// HotConnect links two already-attached endpoints by allocating a fresh
// tag and atomically retagging both ports.
func (e *Engine) HotConnect(ctx context.Context, labID string, a, z Endpoint) (*Link, error) {
	e.mu.Lock()
	ta, aok := e.endpoints[a.key()]
	tz, zok := e.endpoints[z.key()]
	e.mu.Unlock()
	if !aok || !zok {
		return nil, fmt.Errorf("ovsnet: hot-connect requires both endpoints already attached")
	}

	tag, err := e.vlans.Alloc(labID)
	if err != nil {
		return nil, err
	}

	tx := NewTransaction().
		Then("set", "port", ta.HostPort, fmt.Sprintf("tag=%d", tag)).
		Then("set", "port", tz.HostPort, fmt.Sprintf("tag=%d", tag))
	if _, err := tx.Run(ctx); err != nil {
		e.vlans.Free(labID, tag)
		return nil, err
	}

	oldATag, oldZTag := ta.Tag, tz.Tag
	e.mu.Lock()
	ta.Tag, tz.Tag = tag, tag
	e.mu.Unlock()
	e.freeIfUnused(labID, oldATag)
	e.freeIfUnused(labID, oldZTag)

	linkID := CanonicalLinkID(a.NodeName, a.IfaceName, z.NodeName, z.IfaceName)
	link := &Link{LinkID: linkID, LabID: labID, A: a, Z: z, Tag: tag}
	e.mu.Lock()
	e.links[linkID] = link
	e.mu.Unlock()
	return link, nil
}

// HotDisconnect tears down a link by assigning both endpoints fresh,
// pairwise-distinct isolation tags.
func (e *Engine) HotDisconnect(ctx context.Context, linkID string) error {
	e.mu.Lock()
	link, ok := e.links[linkID]
	if ok {
		delete(e.links, linkID)
	}
	e.mu.Unlock()
	if !ok {
		return nil // idempotent
	}

	if err := e.IsolateEndpoint(ctx, link.A); err != nil {
		return err
	}
	if err := e.IsolateEndpoint(ctx, link.Z); err != nil {
		return err
	}
	e.freeIfUnused(link.LabID, link.Tag)
	return nil
}

// IsolateEndpoint assigns ep a freshly-allocated unique VLAN tag,
// guaranteed not to collide with any other endpoint in the lab, and
// leaves carrier state to the caller's policy.
func (e *Engine) IsolateEndpoint(ctx context.Context, ep Endpoint) error {
	e.mu.Lock()
	tracked, ok := e.endpoints[ep.key()]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("ovsnet: isolate: endpoint %s not tracked", ep.key())
	}

	newTag, err := e.vlans.AllocIsolation(ep.LabID)
	if err != nil {
		return err
	}
	if err := e.retag(ctx, ep, tracked, newTag); err != nil {
		e.vlans.Free(ep.LabID, newTag)
		return err
	}
	oldTag := tracked.Tag
	e.mu.Lock()
	tracked.Tag = newTag
	e.mu.Unlock()
	e.freeIfUnused(ep.LabID, oldTag)
	return nil
}

// RestoreEndpoint sets ep's VLAN to target and brings carrier up.
func (e *Engine) RestoreEndpoint(ctx context.Context, ep Endpoint, target int) error {
	e.mu.Lock()
	tracked, ok := e.endpoints[ep.key()]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("ovsnet: restore: endpoint %s not tracked", ep.key())
	}
	if err := e.retag(ctx, ep, tracked, target); err != nil {
		return err
	}
	oldTag := tracked.Tag
	e.mu.Lock()
	tracked.Tag = target
	e.mu.Unlock()
	e.vlans.Reserve(ep.LabID, target)
	e.freeIfUnused(ep.LabID, oldTag)
	if tracked.External {
		return nil // no veth to bring carrier up on
	}
	return SetCarrier(tracked.HostPort, true)
}

// retag dispatches a VLAN tag change to the owning mechanism: a direct
// ovs-vsctl set for engine-owned veth ports, or the installed
// retagHook for External (VM) endpoints.
func (e *Engine) retag(ctx context.Context, ep Endpoint, tracked *trackedEndpoint, newTag int) error {
	if !tracked.External {
		return SetTag(ctx, tracked.HostPort, newTag)
	}
	e.mu.Lock()
	hook := e.retagHook
	e.mu.Unlock()
	if hook == nil {
		return fmt.Errorf("ovsnet: retag: endpoint %s is external but no retag hook installed", ep.key())
	}
	return hook(ctx, ep, newTag)
}

// SetCarrier sets carrier up/down on ep's host-side interface without
// touching its VLAN. External endpoints have no host-side veth and treat
// this as a no-op.
func (e *Engine) SetCarrier(ep Endpoint, up bool) error {
	e.mu.Lock()
	tracked, ok := e.endpoints[ep.key()]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("ovsnet: carrier: endpoint %s not tracked", ep.key())
	}
	if tracked.External {
		return nil
	}
	return SetCarrier(tracked.HostPort, up)
}

// EndpointTag returns ep's current VLAN tag, used by the overlay engine
// to discover the local tag for a cross-host link attach.
func (e *Engine) EndpointTag(ep Endpoint) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tracked, ok := e.endpoints[ep.key()]
	if !ok {
		return 0, false
	}
	return tracked.Tag, true
}

// freeIfUnused returns tag to the allocator only if no remaining tracked
// endpoint in labID still carries it.
func (e *Engine) freeIfUnused(labID string, tag int) {
	e.mu.Lock()
	inUse := false
	for _, ep := range e.endpoints {
		if ep.LabID == labID && ep.Tag == tag {
			inUse = true
			break
		}
	}
	e.mu.Unlock()
	if !inUse {
		e.vlans.Free(labID, tag)
	}
}

// ListLinks returns every tracked link for labID, sorted by link ID.
func (e *Engine) ListLinks(labID string) []*Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Link, 0)
	for _, l := range e.links {
		if l.LabID == labID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkID < out[j].LinkID })
	return out
}

// ConnectExternal attaches a host-side network interface (possibly a
// VLAN sub-interface) to the shared bridge, bridging an in-lab L2 into a
// physical network.
func (e *Engine) ConnectExternal(ctx context.Context, labID, hostIface string, tag int) error {
	if tag == 0 {
		var err error
		tag, err = e.vlans.Alloc(labID)
		if err != nil {
			return err
		}
	}
	if err := AddPort(ctx, e.bridge, hostIface, tag, map[string]string{
		labelLabID: labID,
		labelKind:  "external",
	}); err != nil {
		e.vlans.Free(labID, tag)
		return err
	}
	return nil
}

// DisconnectExternal removes a previously-attached external interface.
func (e *Engine) DisconnectExternal(ctx context.Context, hostIface string) error {
	return DelPort(ctx, e.bridge, hostIface)
}

// CreatePatch creates an OVS patch-port pair between the shared bridge
// and targetBridge, optionally tagged.
func (e *Engine) CreatePatch(ctx context.Context, targetBridge string, tag int) (localPort, remotePort string, err error) {
	localPort = patchPortName(e.bridge, targetBridge)
	remotePort = patchPortName(targetBridge, e.bridge)
	if err := AddPatchPair(ctx, e.bridge, localPort, targetBridge, remotePort, tag); err != nil {
		return "", "", err
	}
	return localPort, remotePort, nil
}

// DeletePatch removes a patch-port pair previously created by
// CreatePatch.
func (e *Engine) DeletePatch(ctx context.Context, targetBridge string) error {
	localPort := patchPortName(e.bridge, targetBridge)
	remotePort := patchPortName(targetBridge, e.bridge)
	if err := DelPort(ctx, e.bridge, localPort); err != nil {
		return err
	}
	return DelPort(ctx, targetBridge, remotePort)
}

func patchPortName(from, to string) string {
	name := "p" + strings.TrimPrefix(from, "arch") + "-" + strings.TrimPrefix(to, "arch")
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// Recover scans the live bridge and rebuilds the allocator high-water
// mark and the tracked-endpoint map from external-ids.
// Ports lacking Archetype external-ids, or whose lab_id is
// not in validLabIDs, are returned as orphans for the reconciler rather
// than tracked.
func (e *Engine) Recover(ctx context.Context, validLabIDs map[string]bool) (tracked int, orphans []OVSPort, err error) {
	ports, err := ListPorts(ctx, e.bridge)
	if err != nil {
		return 0, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range ports {
		labID := p.ExternalIDs[labelLabID]
		if labID == "" || !validLabIDs[labID] {
			orphans = append(orphans, p)
			continue
		}
		switch p.ExternalIDs[labelKind] {
		case "endpoint":
			ep := Endpoint{LabID: labID, NodeName: p.ExternalIDs[labelNode], IfaceName: p.ExternalIDs[labelIface]}
			e.endpoints[ep.key()] = &trackedEndpoint{Endpoint: ep, HostPort: p.Name, Tag: p.Tag}
			e.vlans.Reserve(labID, p.Tag)
			tracked++
		default:
			e.vlans.Reserve(labID, p.Tag)
			tracked++
		}
	}
	util.WithField("bridge", e.bridge).WithField("tracked", tracked).WithField("orphans", len(orphans)).Info("ovsnet: recovery scan complete")
	return tracked, orphans, nil
}

// PortReconcileResult tallies one reconcile pass over the live bridge.
type PortReconcileResult struct {
	StaleTrackingRemoved int
	UnexpectedDeleted    []string
	TagDriftCorrected    []string
	Errors               []string
}

// ReconcilePorts compares tracked endpoints against the live bridge:
// removes tracking for ports that no longer exist, deletes unexpected
// vh*-pattern ports that are not tracked, and corrects VLAN tag drift
// on tracked ports. Engine-owned (non-External)
// ports only; External endpoints have no OVS port of their own to drift.
func (e *Engine) ReconcilePorts(ctx context.Context) (PortReconcileResult, error) {
	var res PortReconcileResult
	live, err := ListPorts(ctx, e.bridge)
	if err != nil {
		return res, err
	}
	liveByName := make(map[string]OVSPort, len(live))
	for _, p := range live {
		liveByName[p.Name] = p
	}

	e.mu.Lock()
	var stale []string
	for key, ep := range e.endpoints {
		if ep.External {
			continue
		}
		live, ok := liveByName[ep.HostPort]
		if !ok {
			stale = append(stale, key)
			continue
		}
		if live.Tag != ep.Tag {
			res.TagDriftCorrected = append(res.TagDriftCorrected, ep.HostPort)
			ep.Tag = live.Tag
			e.vlans.Reserve(ep.LabID, live.Tag)
		}
	}
	for _, key := range stale {
		delete(e.endpoints, key)
	}
	res.StaleTrackingRemoved = len(stale)

	tracked := make(map[string]bool, len(e.endpoints))
	for _, ep := range e.endpoints {
		tracked[ep.HostPort] = true
	}
	e.mu.Unlock()

	for _, p := range live {
		if tracked[p.Name] || p.Type != "" {
			continue // typed ports (vxlan/patch) are reconciled by the overlay engine
		}
		if !strings.HasPrefix(p.Name, "vh") {
			continue
		}
		if err := DelPort(ctx, e.bridge, p.Name); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		_ = DeleteVeth(p.Name)
		res.UnexpectedDeleted = append(res.UnexpectedDeleted, p.Name)
	}
	return res, nil
}

// PurgeLab removes every tracked endpoint and link for labID and returns
// its VLAN allocations to the free pool; after it returns no port,
// veth, or allocation references the lab.
func (e *Engine) PurgeLab(ctx context.Context, labID string) error {
	e.mu.Lock()
	var hostPorts []string
	for key, ep := range e.endpoints {
		if ep.LabID == labID {
			if !ep.External {
				hostPorts = append(hostPorts, ep.HostPort)
			}
			delete(e.endpoints, key)
		}
	}
	for linkID, l := range e.links {
		if l.LabID == labID {
			delete(e.links, linkID)
		}
	}
	e.mu.Unlock()

	var firstErr error
	for _, hp := range hostPorts {
		if err := DelPort(ctx, e.bridge, hp); err != nil && firstErr == nil {
			firstErr = err
		}
		_ = DeleteVeth(hp)
	}
	e.vlans.PurgeLab(labID)
	return firstErr
}
