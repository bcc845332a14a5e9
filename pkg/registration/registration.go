// Package registration implements startup registration and the periodic
// heartbeat loop against the controller.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/archetype-iac/archetyped/pkg/util"
	"github.com/archetype-iac/archetyped/pkg/version"
)

// Capabilities describes what this agent can do, reported at
// registration and in GET /info.
type Capabilities struct {
	ContainerProvider bool     `json:"container_provider"`
	VMProvider        bool     `json:"vm_provider"`
	VXLAN             bool     `json:"vxlan"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Features          []string `json:"features"`
}

// Record is the registration payload POSTed at startup.
type Record struct {
	AgentID        string       `json:"agent_id"`
	Name           string       `json:"name"`
	Address        string       `json:"address"`
	Capabilities   Capabilities `json:"capabilities"`
	Version        string       `json:"version"`
	Commit         string       `json:"commit"`
	StartedAt      time.Time    `json:"started_at"`
	IsLocal        bool         `json:"is_local"`
	DeploymentMode string       `json:"deployment_mode"`
	DataPlaneIP    string       `json:"data_plane_ip,omitempty"`
}

// RegisterResponse carries the (possibly rebound) agent id the
// controller assigns.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
}

// ResourceUsage is the ephemeral snapshot refreshed per heartbeat.
type ResourceUsage struct {
	CPUPercent      float64  `json:"cpu_percent"`
	MemoryUsedBytes uint64   `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	DiskUsedBytes   uint64   `json:"disk_used_bytes"`
	DiskTotalBytes  uint64   `json:"disk_total_bytes"`
	RunningContainers int    `json:"running_containers"`
	ActiveJobs        int    `json:"active_jobs"`
	ContainerNames    []string `json:"container_names,omitempty"`
}

// HeartbeatPayload is POSTed every N seconds while registered.
type HeartbeatPayload struct {
	AgentID   string        `json:"agent_id"`
	Timestamp time.Time     `json:"timestamp"`
	Usage     ResourceUsage `json:"usage"`
}

// ContainerLister supplies the set of Archetype-managed container names
// for the heartbeat's cross-check payload (satisfied by
// provider.Provider's DiscoverLabs, via a narrow adapter in pkg/agent so
// this package does not import the provider/docker stack directly).
type ContainerLister interface {
	ListManagedContainers(ctx context.Context) ([]string, error)
}

// JobCounter reports how many jobs are currently in flight.
type JobCounter interface {
	ActiveJobs() int
}

// Client registers with and heartbeats to the controller.
type Client struct {
	controllerURL string
	httpClient    *http.Client
	workspaceRoot string

	mu         sync.RWMutex
	agentID    string
	registered bool

	name    string
	address string
	caps    Capabilities
	startedAt time.Time
	isLocal bool
	mode    string

	lister ContainerLister
	jobs   JobCounter
}

// New constructs a registration Client. agentID may be empty; the
// controller is free to assign one, which the agent then adopts for the
// remainder of the process lifetime.
func New(controllerURL, agentID, name, address string, caps Capabilities, isLocal bool, mode string, lister ContainerLister, jobs JobCounter) *Client {
	return &Client{
		controllerURL: strings.TrimRight(controllerURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		agentID:       agentID,
		name:          name,
		address:       address,
		caps:          caps,
		startedAt:     time.Now(),
		isLocal:       isLocal,
		mode:          mode,
		lister:        lister,
		jobs:          jobs,
	}
}

// SetWorkspaceRoot records the workspace partition path used for disk
// usage sampling.
func (c *Client) SetWorkspaceRoot(path string) {
	c.workspaceRoot = path
}

// AgentID returns the agent's current id (possibly reassigned by the
// controller during Register).
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Registered reports whether the last registration/heartbeat attempt
// succeeded.
func (c *Client) Registered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// Register POSTs the startup registration record and adopts whatever
// agent_id the controller returns (the controller may assign a new id
// to re-bind to a prior registration).
func (c *Client) Register(ctx context.Context) error {
	if c.controllerURL == "" {
		return nil // no controller configured: standalone mode
	}

	rec := Record{
		AgentID:        c.AgentID(),
		Name:           c.name,
		Address:        c.address,
		Capabilities:   c.caps,
		Version:        version.Version,
		Commit:         version.GitCommit,
		StartedAt:      c.startedAt,
		IsLocal:        c.isLocal,
		DeploymentMode: c.mode,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controllerURL+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setRegistered(false)
		return fmt.Errorf("registration: register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.setRegistered(false)
		return fmt.Errorf("registration: controller returned %d", resp.StatusCode)
	}

	var rr RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err == nil && rr.AgentID != "" {
		c.mu.Lock()
		c.agentID = rr.AgentID
		c.mu.Unlock()
	}
	c.setRegistered(true)
	util.WithField("agent_id", c.AgentID()).Info("registration: registered with controller")
	return nil
}

func (c *Client) setRegistered(v bool) {
	c.mu.Lock()
	c.registered = v
	c.mu.Unlock()
}

// Heartbeat posts one resource-usage snapshot. On failure it flips to
// unregistered so the loop re-attempts registration on its next tick.
func (c *Client) Heartbeat(ctx context.Context) error {
	if c.controllerURL == "" {
		return nil
	}
	usage := c.sampleUsage(ctx)
	payload := HeartbeatPayload{AgentID: c.AgentID(), Timestamp: time.Now(), Usage: usage}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/agents/%s/heartbeat", c.controllerURL, c.AgentID()), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setRegistered(false)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.setRegistered(false)
		return fmt.Errorf("registration: heartbeat returned %d", resp.StatusCode)
	}
	c.setRegistered(true)
	return nil
}

// Run drives the registration + heartbeat loop until ctx is cancelled:
// registers once, then heartbeats on interval, re-registering whenever
// the agent is not currently registered (controller unreachable or lost
// registration).
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if err := c.Register(ctx); err != nil {
		util.WithError(err).Warn("registration: initial registration failed, will retry")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Registered() {
				if err := c.Register(ctx); err != nil {
					util.WithError(err).Debug("registration: re-register failed")
					continue
				}
			}
			if err := c.Heartbeat(ctx); err != nil {
				util.WithError(err).Debug("registration: heartbeat failed")
			}
		}
	}
}

// sampleUsage gathers a lightweight resource snapshot from the sysinfo
// and statfs syscalls, leaving a field zero-valued when its call fails; this is pure
// stdlib because no example repo in the pack carries a process/host
// metrics library and the fields needed (two numbers from
// statfs/sysinfo) don't justify pulling one in.
func (c *Client) sampleUsage(ctx context.Context) ResourceUsage {
	usage := ResourceUsage{}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err == nil {
		unit := uint64(sysinfo.Unit)
		if unit == 0 {
			unit = 1
		}
		usage.MemoryTotalBytes = uint64(sysinfo.Totalram) * unit
		usage.MemoryUsedBytes = (uint64(sysinfo.Totalram) - uint64(sysinfo.Freeram)) * unit
		usage.CPUPercent = loadAverageAsPercent(sysinfo)
	}

	if c.workspaceRoot != "" {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(c.workspaceRoot, &stat); err == nil {
			usage.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
			usage.DiskUsedBytes = (stat.Blocks - stat.Bfree) * uint64(stat.Bsize)
		}
	}

	if c.lister != nil {
		if names, err := c.lister.ListManagedContainers(ctx); err == nil {
			usage.RunningContainers = len(names)
			usage.ContainerNames = names
		}
	}
	if c.jobs != nil {
		usage.ActiveJobs = c.jobs.ActiveJobs()
	}
	return usage
}

// loadAverageAsPercent approximates instantaneous CPU load as a
// percentage from the 1-minute load average and CPU count, a coarse but
// dependency-free stand-in for true CPU% sampling.
func loadAverageAsPercent(info syscall.Sysinfo_t) float64 {
	const scale = 1 << 16 // SI_LOAD_SHIFT
	load1 := float64(info.Loads[0]) / scale
	cpus := cpuCount()
	if cpus == 0 {
		cpus = 1
	}
	pct := (load1 / float64(cpus)) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func cpuCount() int {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 1
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "processor") {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}
