// Package container implements the container Provider backend using the
// local Docker runtime.
package container

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/archetype-iac/archetyped/pkg/kindregistry"
	"github.com/archetype-iac/archetyped/pkg/provider"
	"github.com/archetype-iac/archetyped/pkg/util"
)

const (
	labelLabID    = "archetype.lab_id"
	labelNode     = "archetype.node_name"
	labelKind     = "archetype.node_kind"
	labelProvider = "archetype.provider"
)

// Provider is the docker-backed container Provider.
type Provider struct {
	provider.UnimplementedProvider
	cli      *dockerclient.Client
	kinds    *kindregistry.Registry

	mu            sync.Mutex
	pullProgress  map[string]*PullProgress // job_id -> progress, bounded by evictOldPulls
}

// PullProgress tracks a single in-flight image pull, exposed via
// GET /images/pull/{job_id}/progress Images.
type PullProgress struct {
	JobID      string
	Image      string
	Status     string
	Percent    int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// New constructs a container Provider against the default Docker socket.
func New(kinds *kindregistry.Registry) (*Provider, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: connect to docker: %w", err)
	}
	return &Provider{
		UnimplementedProvider: provider.UnimplementedProvider{ProviderName: "docker"},
		cli:                   cli,
		kinds:                 kinds,
		pullProgress:          make(map[string]*PullProgress),
	}, nil
}

func (p *Provider) Name() string { return "docker" }

// Client returns the underlying docker SDK client, for collaborators
// (the event listener) that need to talk to the same daemon without
// opening a second connection.
func (p *Provider) Client() *dockerclient.Client { return p.cli }

// Deploy creates and starts every node in topo in parallel bounded by a
// concurrency cap. Links are wired separately by
// the OVS engine; Deploy here only brings up the containers themselves.
func (p *Provider) Deploy(ctx context.Context, labID string, topo provider.Topology, workspace string) (provider.DeployResult, error) {
	if err := provider.SanitizeLabID(labID); err != nil {
		return provider.DeployResult{}, err
	}

	const concurrency = 4
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]provider.NodeActionResult, len(topo.Nodes))

	for i, n := range topo.Nodes {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, n provider.NodeSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := p.CreateNode(ctx, labID, n, workspace)
			if err == nil && res.Success {
				res, err = p.StartNode(ctx, labID, n.Name, workspace)
			}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
		}(i, n)
	}
	wg.Wait()

	out := provider.DeployResult{Success: true}
	for i, res := range results {
		if !res.Success {
			out.Success = false
			out.Error = fmt.Sprintf("node %s: %s", topo.Nodes[i].Name, res.Error)
		}
		out.Nodes = append(out.Nodes, provider.NodeInfo{
			Name:   topo.Nodes[i].Name,
			Status: res.NewStatus,
			Error:  res.Error,
		})
	}
	return out, nil
}

// CreateNode creates a single node container without starting it,
// resolving its image, interface-count environment hint, and vendor
// container-runtime quirks from the kind registry.
func (p *Provider) CreateNode(ctx context.Context, labID string, n provider.NodeSpec, workspace string) (provider.NodeActionResult, error) {
	if err := provider.SanitizeLabID(labID); err != nil {
		return provider.NodeActionResult{}, err
	}

	kind, _ := p.kinds.Get(n.Kind)
	image := n.Image
	if image == "" && kind != nil {
		image = kind.DefaultImage
	}
	if image == "" {
		return provider.NodeActionResult{NodeName: n.Name}, util.ErrImageMissing
	}

	name := provider.ContainerName(labID, n.Name)
	env := buildEnv(n, kind)
	labels := map[string]string{
		labelLabID:    labID,
		labelNode:     n.Name,
		labelKind:     n.Kind,
		labelProvider: "docker",
	}

	var caps []string
	privileged := false
	var binds []string
	networkMode := container.NetworkMode("none")
	if kind != nil {
		caps = kind.Capabilities
		privileged = kind.Privileged
		networkMode = container.NetworkMode(orDefault(kind.NetworkMode, "none"))
	}
	binds = append(binds, n.Binds...)

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:    image,
			Env:      env,
			Labels:   labels,
			Hostname: n.Name,
		},
		&container.HostConfig{
			Binds:       binds,
			CapAdd:      caps,
			Privileged:  privileged,
			NetworkMode: networkMode,
		},
		nil, nil, name,
	)
	if err != nil {
		return provider.NodeActionResult{NodeName: n.Name, Error: err.Error()}, fmt.Errorf("container: create %s: %w", name, err)
	}

	return provider.NodeActionResult{Success: true, NodeName: n.Name, NewStatus: provider.StatusPending, Stdout: resp.ID}, nil
}

// buildEnv sets the interface-precount environment variable understood
// by vendor init wrappers ("wait for N interfaces before launching the
// control plane").
func buildEnv(n provider.NodeSpec, kind *kindregistry.Kind) []string {
	env := []string{fmt.Sprintf("ARCHETYPE_INTERFACE_COUNT=%d", n.InterfaceCount)}
	if kind != nil {
		for k, v := range kind.Environment {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range n.Environment {
		env = append(env, k+"="+v)
	}
	return env
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// StartNode starts a created-but-stopped container.
func (p *Provider) StartNode(ctx context.Context, labID, nodeName, workspace string) (provider.NodeActionResult, error) {
	name := provider.ContainerName(labID, nodeName)
	if err := p.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return provider.NodeActionResult{NodeName: nodeName, Error: err.Error()}, err
	}
	return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusRunning}, nil
}

// StopNode stops a running container.
func (p *Provider) StopNode(ctx context.Context, labID, nodeName, workspace string) (provider.NodeActionResult, error) {
	name := provider.ContainerName(labID, nodeName)
	timeout := 10
	if err := p.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return provider.NodeActionResult{NodeName: nodeName, Error: err.Error()}, err
	}
	return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusStopped}, nil
}

// DestroyNode stops (if running) and removes a single node's container.
func (p *Provider) DestroyNode(ctx context.Context, labID, nodeName, workspace string) (provider.NodeActionResult, error) {
	name := provider.ContainerName(labID, nodeName)
	timeout := 5
	_ = p.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err := p.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusStopped}, nil
		}
		return provider.NodeActionResult{NodeName: nodeName, Error: err.Error()}, err
	}
	return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusStopped}, nil
}

// Destroy stops and removes every container belonging to labID,
// best-effort (never short-circuits on a single failure).
func (p *Provider) Destroy(ctx context.Context, labID string, workspace string) (provider.DestroyResult, error) {
	containers, err := p.listLabContainers(ctx, labID)
	if err != nil {
		return provider.DestroyResult{Error: err.Error()}, err
	}

	var errs []string
	for _, c := range containers {
		timeout := 5
		_ = p.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		if err := p.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return provider.DestroyResult{Success: false, Error: fmt.Sprintf("%d errors during destroy: %v", len(errs), errs)}, nil
	}
	return provider.DestroyResult{Success: true}, nil
}

// Status merges live container state for every node in the lab.
func (p *Provider) Status(ctx context.Context, labID string, workspace string) (provider.StatusResult, error) {
	containers, err := p.listLabContainers(ctx, labID)
	if err != nil {
		return provider.StatusResult{Error: err.Error()}, err
	}
	if len(containers) == 0 {
		return provider.StatusResult{LabExists: false}, nil
	}

	var nodes []provider.NodeInfo
	for _, c := range containers {
		inspect, err := p.cli.ContainerInspect(ctx, c.ID)
		status := provider.StatusUnknown
		if err == nil {
			status = dockerStateToStatus(inspect.State)
		}
		nodes = append(nodes, provider.NodeInfo{
			Name:        c.Labels[labelNode],
			Status:      status,
			ContainerID: c.ID,
			Image:       c.Image,
		})
	}
	return provider.StatusResult{LabExists: true, Nodes: nodes}, nil
}

func dockerStateToStatus(state *types.ContainerState) provider.NodeStatus {
	if state == nil {
		return provider.StatusUnknown
	}
	switch {
	case state.Running:
		return provider.StatusRunning
	case state.Paused:
		return provider.StatusStopping
	case state.OOMKilled, state.Dead:
		return provider.StatusError
	default:
		return provider.StatusStopped
	}
}

func (p *Provider) listLabContainers(ctx context.Context, labID string) ([]types.Container, error) {
	f := filters.NewArgs()
	f.Add("label", labelLabID+"="+labID)
	return p.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
}

// GetConsoleCommand returns a docker-exec invocation for console_method
// "docker_exec" kinds. The shell is always /bin/sh; the kind registry's
// console_shell is not consulted.
func (p *Provider) GetConsoleCommand(ctx context.Context, labID, nodeName, workspace string) ([]string, error) {
	name := provider.ContainerName(labID, nodeName)
	return []string{"docker", "exec", "-it", name, "/bin/sh"}, nil
}

// DiscoverLabs scans all Archetype-labeled containers and groups them by
// lab_id.
func (p *Provider) DiscoverLabs(ctx context.Context) (map[string][]provider.NodeInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelLabID)
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]provider.NodeInfo)
	for _, c := range containers {
		labID := c.Labels[labelLabID]
		out[labID] = append(out[labID], provider.NodeInfo{
			Name:        c.Labels[labelNode],
			ContainerID: c.ID,
			Image:       c.Image,
		})
	}
	return out, nil
}

// CleanupOrphanResources removes containers whose lab_id is not in
// validLabIDs. Images used by any container in a valid
// lab are left untouched (pruning is separate, see PruneImages).
func (p *Provider) CleanupOrphanResources(ctx context.Context, validLabIDs map[string]bool, workspaceBase string) (map[string][]string, error) {
	f := filters.NewArgs()
	f.Add("label", labelLabID)
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, c := range containers {
		labID := c.Labels[labelLabID]
		if validLabIDs[labID] {
			continue
		}
		if err := p.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			util.WithField("container", c.ID).WithError(err).Warn("container: failed removing orphan")
			continue
		}
		removed = append(removed, c.ID)
	}
	return map[string][]string{"containers": removed}, nil
}

// ListImages returns every locally-available image.
func (p *Provider) ListImages(ctx context.Context) ([]types.ImageSummary, error) {
	return p.cli.ImageList(ctx, types.ImageListOptions{})
}

// ImageExists checks whether ref is present locally.
func (p *Provider) ImageExists(ctx context.Context, ref string) bool {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, ref)
	return err == nil
}

// ReceiveImage loads a streamed tar into the local runtime.
func (p *Provider) ReceiveImage(ctx context.Context, r io.Reader) error {
	resp, err := p.cli.ImageLoad(ctx, r, false)
	if err != nil {
		return fmt.Errorf("container: load image: %w", err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// PullImage pulls ref, tracking progress under jobID for the bounded
// in-memory pull-progress map.
func (p *Provider) PullImage(ctx context.Context, jobID, ref string) error {
	progress := &PullProgress{JobID: jobID, Image: ref, Status: "pulling", StartedAt: time.Now()}
	p.trackPull(jobID, progress)

	rc, err := p.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		progress.Status, progress.Error, progress.FinishedAt = "error", err.Error(), time.Now()
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		progress.Status, progress.Error, progress.FinishedAt = "error", err.Error(), time.Now()
		return err
	}
	progress.Status, progress.Percent, progress.FinishedAt = "complete", 100, time.Now()
	return nil
}

const maxTrackedPulls = 256

// trackPull inserts a pull job and evicts the oldest finished entries once
// the map exceeds maxTrackedPulls, to
// bound in-memory caches with implicit lifetimes.
func (p *Provider) trackPull(jobID string, progress *PullProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pullProgress[jobID] = progress
	if len(p.pullProgress) <= maxTrackedPulls {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, pr := range p.pullProgress {
		if !pr.FinishedAt.IsZero() && (oldest.IsZero() || pr.FinishedAt.Before(oldest)) {
			oldestID, oldest = id, pr.FinishedAt
		}
	}
	if oldestID != "" {
		delete(p.pullProgress, oldestID)
	}
}

// PullProgressFor returns the tracked progress for jobID, if any.
func (p *Provider) PullProgressFor(jobID string) (*PullProgress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.pullProgress[jobID]
	return pr, ok
}

// Prune removes unused images, stopped containers, and build cache.
func (p *Provider) Prune(ctx context.Context) (containersPruned, imagesPruned int, spaceBytes uint64, err error) {
	cr, err := p.cli.ContainersPrune(ctx, filters.NewArgs())
	if err != nil {
		return 0, 0, 0, err
	}
	ir, err := p.cli.ImagesPrune(ctx, filters.NewArgs())
	if err != nil {
		return len(cr.ContainersDeleted), 0, cr.SpaceReclaimed, err
	}
	return len(cr.ContainersDeleted), len(ir.ImagesDeleted), cr.SpaceReclaimed + ir.SpaceReclaimed, nil
}

// Exec runs cmd inside a running node's container to completion and
// returns its combined output, satisfying the lab orchestrator's
// optional execer capability for post-boot commands and the API surface's config-extraction path.
func (p *Provider) Exec(ctx context.Context, labID, nodeName string, cmd []string) (string, error) {
	name := provider.ContainerName(labID, nodeName)
	created, err := p.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container: exec create on %s: %w", name, err)
	}
	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("container: exec attach on %s: %w", name, err)
	}
	defer attach.Close()
	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return string(out), err
	}
	return string(out), nil
}

// NodeLogs tails the trailing tailLines of a node's container logs,
// satisfying the lab orchestrator's optional logTailer capability for
// log_pattern readiness probes.
func (p *Provider) NodeLogs(ctx context.Context, labID, nodeName string, tailLines int) (string, error) {
	name := provider.ContainerName(labID, nodeName)
	rc, err := p.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("container: logs for %s: %w", name, err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	return string(out), err
}

// AttachConsole opens an interactive docker-exec session into a node's
// container for the console WebSocket endpoint,
// returning the hijacked bidirectional stream.
func (p *Provider) AttachConsole(ctx context.Context, labID, nodeName, shell string) (types.HijackedResponse, error) {
	name := provider.ContainerName(labID, nodeName)
	if shell == "" {
		shell = "/bin/sh"
	}
	created, err := p.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          []string{shell},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("container: console exec create on %s: %w", name, err)
	}
	return p.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
}

// ContainerPID returns the host PID of a running container's init
// process, used by the OVS engine to move veth ends into its namespace.
func (p *Provider) ContainerPID(ctx context.Context, labID, nodeName string) (int, error) {
	name := provider.ContainerName(labID, nodeName)
	inspect, err := p.cli.ContainerInspect(ctx, name)
	if err != nil {
		return 0, err
	}
	if inspect.State == nil || !inspect.State.Running {
		return 0, fmt.Errorf("container: %s is not running", name)
	}
	return inspect.State.Pid, nil
}
