// Package reconcile runs the cleanup loop: a
// periodic best-effort loop that prunes orphan veths, bridges, VXLAN
// interfaces and OVS ports left behind by crashed deploys or destroys,
// and reconciles the OVS engine's tracked state against the live bridge.
// It never holds a lab lock; races with concurrent deploys resolve in
// the deploy's favor since deploys hold locks and create ports
// atomically.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/archetype-iac/archetyped/pkg/overlay"
	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/provider"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// vethPrefix, bridgePrefix and vxlanPrefix match the naming patterns
// this agent uses for its own host-side network devices.
const (
	vethPrefix   = "vh"
	bridgePrefix = "archbr-"
	vxlanPrefix  = "vx"
)

// LabValidator supplies the set of lab_ids the controller currently
// considers valid, used to classify orphans across all GC passes.
type LabValidator interface {
	ValidLabIDs(ctx context.Context) (map[string]bool, error)
}

// Result tallies one reconcile pass: per-kind deletion counts plus any
// error strings accumulated along the way.
type Result struct {
	OrphanVethsDeleted     []string
	OrphanBridgesDeleted   []string
	OrphanVXLANsDeleted    []string
	OVSPortsUntracked      int
	OVSUnexpectedDeleted   []string
	OVSTagDriftCorrected   []string
	OVSVXLANOrphansDeleted []string
	ProviderOrphans        map[string][]string
	Errors                 []string
	RanAt                  time.Time
}

// Reconciler owns the periodic GC loop. All dependencies are injected by
// the Agent root object; nothing here is a singleton.
type Reconciler struct {
	bridge        string
	ovs           *ovsnet.Engine
	overlayEn     *overlay.Engine
	providers     []provider.Provider
	validator     LabValidator
	workspaceBase string

	mu               sync.Mutex
	lastControllerGC time.Time
	orphanWindow     time.Duration
}

// New constructs a Reconciler bound to the already-wired OVS and overlay
// engines and every configured provider.
func New(bridge string, ovs *ovsnet.Engine, overlayEn *overlay.Engine, providers []provider.Provider, validator LabValidator, workspaceBase string) *Reconciler {
	return &Reconciler{
		bridge:        bridge,
		ovs:           ovs,
		overlayEn:     overlayEn,
		providers:     providers,
		validator:     validator,
		workspaceBase: workspaceBase,
		orphanWindow:  15 * time.Minute,
	}
}

// SetOrphanWindow overrides how long after a controller-driven
// reconciliation the local OVS VXLAN orphan GC stays suppressed.
func (r *Reconciler) SetOrphanWindow(d time.Duration) {
	if d > 0 {
		r.orphanWindow = d
	}
}

// NoteControllerReconcile records that the controller just drove an
// authoritative reconciliation, gating OVS VXLAN orphan GC for 15
// minutes so the local view does not fight the controller's cleanup.
func (r *Reconciler) NoteControllerReconcile() {
	r.mu.Lock()
	r.lastControllerGC = time.Now()
	r.mu.Unlock()
}

// Run drives the periodic loop: an initial pass at startup, then one
// every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if res, err := r.RunOnce(ctx); err != nil {
		util.WithError(err).Warn("reconcile: startup pass failed")
	} else {
		logResult(res)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				util.WithError(err).Warn("reconcile: pass failed")
				continue
			}
			logResult(res)
		}
	}
}

func logResult(res Result) {
	if len(res.OrphanVethsDeleted) == 0 && len(res.OrphanBridgesDeleted) == 0 &&
		len(res.OrphanVXLANsDeleted) == 0 && len(res.OVSUnexpectedDeleted) == 0 &&
		len(res.OVSVXLANOrphansDeleted) == 0 && res.OVSPortsUntracked == 0 {
		return
	}
	util.WithField("veths", len(res.OrphanVethsDeleted)).
		WithField("bridges", len(res.OrphanBridgesDeleted)).
		WithField("vxlans", len(res.OrphanVXLANsDeleted)).
		WithField("ovs_unexpected", len(res.OVSUnexpectedDeleted)).
		WithField("ovs_vxlan_orphans", len(res.OVSVXLANOrphansDeleted)).
		Info("reconcile: pass complete")
}

// RunOnce executes one full cleanup pass and returns the accumulated
// result. Every deletion is best-effort; failures are
// collected, not fatal to the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	res := Result{RanAt: time.Now(), ProviderOrphans: map[string][]string{}}

	validLabIDs := map[string]bool{}
	if r.validator != nil {
		v, err := r.validator.ValidLabIDs(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		} else {
			validLabIDs = v
		}
	}

	links, err := netlink.LinkList()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		links = nil
	}

	ovsPorts, _ := ovsnet.ListPorts(ctx, r.bridge)
	ovsPortNames := make(map[string]bool, len(ovsPorts))
	for _, p := range ovsPorts {
		ovsPortNames[p.Name] = true
	}

	// Step 1: orphan veth GC.
	for _, l := range links {
		attrs := l.Attrs()
		if l.Type() != "veth" || !strings.HasPrefix(attrs.Name, vethPrefix) {
			continue
		}
		if attrs.MasterIndex != 0 {
			continue // has a master: not orphaned
		}
		if ovsPortNames[attrs.Name] {
			continue // tracked by the OVS engine as active
		}
		if err := netlink.LinkDel(l); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.OrphanVethsDeleted = append(res.OrphanVethsDeleted, attrs.Name)
	}

	// Step 2: orphan bridge GC (kernel bridges only; the shared OVS
	// bridge itself is never kernel-type and is excluded by the naming
	// pattern).
	bridgePortCount := map[int]int{}
	for _, l := range links {
		if l.Attrs().MasterIndex != 0 {
			bridgePortCount[l.Attrs().MasterIndex]++
		}
	}
	for _, l := range links {
		attrs := l.Attrs()
		if l.Type() != "bridge" || !strings.HasPrefix(attrs.Name, bridgePrefix) {
			continue
		}
		if bridgePortCount[attrs.Index] > 0 {
			continue
		}
		if err := netlink.LinkDel(l); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.OrphanBridgesDeleted = append(res.OrphanBridgesDeleted, attrs.Name)
	}

	// Step 3: orphan VXLAN interface GC (kernel vxlan devices, distinct
	// from OVS vxlan-type ports handled by the overlay GC pass).
	for _, l := range links {
		attrs := l.Attrs()
		if l.Type() != "vxlan" || !strings.HasPrefix(attrs.Name, vxlanPrefix) {
			continue
		}
		if attrs.MasterIndex != 0 {
			continue
		}
		if err := netlink.LinkDel(l); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.OrphanVXLANsDeleted = append(res.OrphanVXLANsDeleted, attrs.Name)
	}

	// Step 4: OVS reconcile.
	if r.ovs != nil {
		pres, err := r.ovs.ReconcilePorts(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		} else {
			res.OVSPortsUntracked = pres.StaleTrackingRemoved
			res.OVSUnexpectedDeleted = pres.UnexpectedDeleted
			res.OVSTagDriftCorrected = pres.TagDriftCorrected
			res.Errors = append(res.Errors, pres.Errors...)
		}
	}

	// Step 5: OVS VXLAN orphan GC, gated by the 15-minute
	// controller-reconciliation window.
	if r.overlayEn != nil {
		r.mu.Lock()
		stale := time.Since(r.lastControllerGC) > r.orphanWindow
		r.mu.Unlock()
		if stale {
			deleted, err := r.overlayEn.OrphanVXLANGC(ctx)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
			} else {
				res.OVSVXLANOrphansDeleted = deleted
			}
		}
	}

	// Provider-level orphan cleanup (containers/domains whose lab_id is
	// not in the valid set). Workspace directories are not pruned here.
	for _, p := range r.providers {
		removed, err := p.CleanupOrphanResources(ctx, validLabIDs, r.workspaceBase)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		for labID, names := range removed {
			res.ProviderOrphans[labID] = append(res.ProviderOrphans[labID], names...)
		}
	}

	return res, nil
}
