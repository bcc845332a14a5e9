// Package agent is the process root: it constructs
// every component exactly once, injects dependencies explicitly, and
// starts the background loops and HTTP server. Nothing here is a
// package-level singleton; a process that wanted two agents side by side
// could construct two Agents.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/archetype-iac/archetyped/internal/config"
	"github.com/archetype-iac/archetyped/pkg/api"
	"github.com/archetype-iac/archetyped/pkg/callback"
	"github.com/archetype-iac/archetyped/pkg/events"
	"github.com/archetype-iac/archetyped/pkg/kindregistry"
	"github.com/archetype-iac/archetyped/pkg/lab"
	"github.com/archetype-iac/archetyped/pkg/lockmgr"
	"github.com/archetype-iac/archetyped/pkg/overlay"
	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/provider"
	"github.com/archetype-iac/archetyped/pkg/provider/container"
	"github.com/archetype-iac/archetyped/pkg/provider/vm"
	"github.com/archetype-iac/archetyped/pkg/reconcile"
	"github.com/archetype-iac/archetyped/pkg/registration"
	"github.com/archetype-iac/archetyped/pkg/util"
	"github.com/archetype-iac/archetyped/pkg/version"
)

// Agent owns every long-lived component of one agent process.
type Agent struct {
	cfg *config.Config

	kinds      *kindregistry.Registry
	locks      lockmgr.Manager
	ovs        *ovsnet.Engine
	overlayEn  *overlay.Engine
	containers provider.Provider
	vms        provider.Provider
	callbacks  *callback.Deliverer
	orch       *lab.Orchestrator
	reconciler *reconcile.Reconciler
	reg        *registration.Client
	listener   *events.Listener

	httpServer *http.Server
}

// managedContainerLister adapts the container provider's DiscoverLabs to
// registration.ContainerLister's flat name list, since that package does
// not import the provider/docker stack directly.
type managedContainerLister struct {
	p provider.Provider
}

func (m managedContainerLister) ListManagedContainers(ctx context.Context) ([]string, error) {
	if m.p == nil {
		return nil, nil
	}
	labs, err := m.p.DiscoverLabs(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for labID, nodes := range labs {
		for _, n := range nodes {
			names = append(names, provider.ContainerName(labID, n.Name))
		}
	}
	return names, nil
}

// New constructs every component per cfg and wires them together. It
// does not start any background loop or listener; call Run for that.
func New(cfg *config.Config) (*Agent, error) {
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("agent: log level: %w", err)
	}
	if cfg.LogJSON {
		util.SetJSONFormat()
	}

	kinds, err := loadKindRegistry(cfg.KindRegistryPath)
	if err != nil {
		return nil, fmt.Errorf("agent: kind registry: %w", err)
	}

	locks := newLockManager(cfg)

	ctx := context.Background()
	ovsEngine, err := ovsnet.New(ctx, cfg.BridgeName, cfg.VLANBase, cfg.VLANMax)
	if err != nil {
		return nil, fmt.Errorf("agent: ovs engine: %w", err)
	}

	var overlayEn *overlay.Engine
	if cfg.EnableVXLAN {
		overlayEn = overlay.New(cfg.BridgeName, ovsEngine, cfg.VNIBase, cfg.VNIMax)
	}

	var containers provider.Provider
	if cfg.EnableContainerProvider {
		c, err := container.New(kinds)
		if err != nil {
			util.WithError(err).Warn("agent: container provider disabled, docker unreachable")
		} else {
			containers = c
		}
	}

	var vms provider.Provider
	if cfg.EnableVMProvider {
		vms = vm.New("qemu:///system", cfg.BridgeName, kinds)
	}

	cb := callback.New(cfg.CallbackMaxAttempts, time.Second)

	localIP := localDataPlaneIP()
	orch := lab.New(cfg.AgentID, locks, ovsEngine, overlayEn, kinds, containers, vms, cb, cfg.WorkspaceRoot, localIP)
	orch.SetLockTimings(
		time.Duration(cfg.LockAcquireSeconds)*time.Second,
		time.Duration(cfg.LockTTLSeconds)*time.Second/3,
	)

	var providers []provider.Provider
	if containers != nil {
		providers = append(providers, containers)
	}
	if vms != nil {
		providers = append(providers, vms)
	}
	reconciler := reconcile.New(cfg.BridgeName, ovsEngine, overlayEn, providers, orch, cfg.WorkspaceRoot)
	reconciler.SetOrphanWindow(time.Duration(cfg.VXLANOrphanWindowMinutes) * time.Minute)

	caps := registration.Capabilities{
		ContainerProvider: containers != nil,
		VMProvider:        vms != nil,
		VXLAN:             cfg.EnableVXLAN,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	}
	reg := registration.New(cfg.ControllerURL, cfg.AgentID, cfg.AgentID, cfg.ListenAddr, caps, false, deploymentMode(cfg), managedContainerLister{p: containers}, orch)
	reg.SetWorkspaceRoot(cfg.WorkspaceRoot)

	var listener *events.Listener
	if cp, ok := containers.(*container.Provider); ok {
		listener = events.New(cp.Client(), orch, cfg.ControllerURL)
	}

	apiServer := api.New(api.Deps{
		Orchestrator:   orch,
		OVS:            ovsEngine,
		Overlay:        overlayEn,
		Containers:     containers,
		VMs:            vms,
		Locks:          locks,
		Callbacks:      cb,
		Reconciler:     reconciler,
		Kinds:          kinds,
		Reg:            reg,
		AgentID:        cfg.AgentID,
		Version:        version.Version,
		Commit:         version.GitCommit,
		DeploymentMode: deploymentMode(cfg),
		WorkspaceRoot:  cfg.WorkspaceRoot,
	})

	return &Agent{
		cfg:        cfg,
		kinds:      kinds,
		locks:      locks,
		ovs:        ovsEngine,
		overlayEn:  overlayEn,
		containers: containers,
		vms:        vms,
		callbacks:  cb,
		orch:       orch,
		reconciler: reconciler,
		reg:        reg,
		listener:   listener,
		httpServer: &http.Server{Addr: cfg.ListenAddr, Handler: apiServer.Handler()},
	}, nil
}

func deploymentMode(cfg *config.Config) string {
	if cfg.EnableOVSPlugin {
		return "ovs-plugin"
	}
	return "standalone"
}

func loadKindRegistry(path string) (*kindregistry.Registry, error) {
	if path == "" {
		return kindregistry.Builtin(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return kindregistry.Builtin(), nil
	}
	return kindregistry.Load(path)
}

func newLockManager(cfg *config.Config) lockmgr.Manager {
	mgr := lockmgr.New(cfg.RedisAddr, cfg.RedisDB, cfg.AgentID)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := mgr.Ping(ctx); err != nil {
		util.WithError(err).Warn("agent: redis unreachable, falling back to no-op lock manager")
		return lockmgr.NewNoop()
	}
	return mgr
}

func localDataPlaneIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		return ipnet.IP.String()
	}
	return ""
}

// RegisterOnce performs a single registration call against the
// configured controller, for the `archetyped register` CLI subcommand.
func (a *Agent) RegisterOnce(ctx context.Context) error {
	return a.reg.Register(ctx)
}

// ConsoleCommand resolves the local argv to attach to a node's console,
// for the `archetyped console` CLI subcommand. It tries the container
// provider first, then the VM provider, since a lab ID is not enough on
// its own to know which backend owns a given node.
func (a *Agent) ConsoleCommand(ctx context.Context, labID, nodeName string) ([]string, error) {
	workspace := filepath.Join(a.cfg.WorkspaceRoot, labID)
	for _, p := range []provider.Provider{a.containers, a.vms} {
		if p == nil {
			continue
		}
		argv, err := p.GetConsoleCommand(ctx, labID, nodeName, workspace)
		if err != nil {
			continue
		}
		if len(argv) > 0 {
			return argv, nil
		}
	}
	return nil, fmt.Errorf("agent: no provider resolved a console command for %s/%s", labID, nodeName)
}

// recoverState brings the new process back in line with whatever the
// host was left holding: ghost locks from a crashed predecessor are
// cleared, labs still running on the host are rediscovered from provider
// labels, and the OVS and overlay engines rebuild their tracking state
// from the live bridge. Orphans surfaced here are left for the first
// reconciler pass.
func (a *Agent) recoverState(ctx context.Context) {
	if n, err := a.locks.ClearAgentLocks(ctx); err != nil {
		util.WithError(err).Warn("agent: clearing ghost locks failed")
	} else if n > 0 {
		util.WithField("cleared", n).Info("agent: cleared ghost locks from a prior instance")
	}

	valid := map[string]bool{}
	var labIDs []string
	for _, p := range []provider.Provider{a.containers, a.vms} {
		if p == nil {
			continue
		}
		labs, err := p.DiscoverLabs(ctx)
		if err != nil {
			util.WithError(err).Warn("agent: lab discovery failed during recovery")
			continue
		}
		for labID := range labs {
			if !valid[labID] {
				valid[labID] = true
				labIDs = append(labIDs, labID)
			}
		}
	}
	a.orch.SetValidLabIDs(labIDs)

	if _, orphans, err := a.ovs.Recover(ctx, valid); err != nil {
		util.WithError(err).Warn("agent: OVS recovery scan failed")
	} else if len(orphans) > 0 {
		util.WithField("orphans", len(orphans)).Info("agent: OVS recovery left orphan ports for the cleanup loop")
	}
	if a.overlayEn != nil {
		if _, _, _, err := a.overlayEn.Recover(ctx); err != nil {
			util.WithError(err).Warn("agent: overlay recovery scan failed")
		}
	}
}

// Run starts every background loop and the HTTP server, blocking until
// ctx is cancelled, then shuts the server down gracefully.
func (a *Agent) Run(ctx context.Context) error {
	a.recoverState(ctx)

	go a.reconciler.Run(ctx, time.Duration(a.cfg.ReconcileIntervalSeconds)*time.Second)
	go a.reg.Run(ctx, time.Duration(a.cfg.HeartbeatIntervalSeconds)*time.Second)
	if a.listener != nil {
		go a.listener.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		util.WithField("addr", a.cfg.ListenAddr).Info("agent: listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
