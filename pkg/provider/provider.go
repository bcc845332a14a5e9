// Package provider defines the capability-bounded Provider interface
// shared by the container and VM backends.
package provider

import (
	"context"
	"path"
	"strings"

	"github.com/archetype-iac/archetyped/pkg/util"
)

// NodeStatus is the lifecycle state of one node.
type NodeStatus string

const (
	StatusPending  NodeStatus = "pending"
	StatusStarting NodeStatus = "starting"
	StatusRunning  NodeStatus = "running"
	StatusStopping NodeStatus = "stopping"
	StatusStopped  NodeStatus = "stopped"
	StatusError    NodeStatus = "error"
	StatusUnknown  NodeStatus = "unknown"
)

// NodeInfo describes one running (or once-running) node.
type NodeInfo struct {
	Name         string
	Status       NodeStatus
	ContainerID  string
	Image        string
	IPAddresses  []string
	Interfaces   map[string]string // iface -> ip
	Error        string
}

// NodeSpec is the per-node input to Create/Deploy: display name, kind,
// image override, interface count, environment, mount binds, startup
// config, and hardware overrides.
type NodeSpec struct {
	Name            string
	Kind            string
	Image           string
	InterfaceCount  int
	Environment     map[string]string
	Binds           []string
	StartupConfig   string
	DisplayName     string
	MemoryMB        int
	CPUCores        int
	// InterfaceVLANs carries pre-allocated VLAN tags keyed by interface
	// index, for providers (VM) that must bake the tag into the node's
	// definition rather than apply it to a veth after the fact.
	InterfaceVLANs map[int]int
}

// LinkSpec names two endpoints of a link assigned to this host.
type LinkSpec struct {
	AName, AIface string
	ZName, ZIface string
}

// Topology is the structured deploy input assigned to this host.
type Topology struct {
	Nodes []NodeSpec
	Links []LinkSpec
}

// DeployResult is the outcome of Deploy.
type DeployResult struct {
	Success bool
	Nodes   []NodeInfo
	Stdout  string
	Stderr  string
	Error   string
}

// DestroyResult is the outcome of Destroy.
type DestroyResult struct {
	Success bool
	Stdout  string
	Stderr  string
	Error   string
}

// StatusResult is the outcome of Status.
type StatusResult struct {
	LabExists bool
	Nodes     []NodeInfo
	Error     string
}

// NodeActionResult is the outcome of a single-node lifecycle action.
type NodeActionResult struct {
	Success   bool
	NodeName  string
	NewStatus NodeStatus
	Stdout    string
	Stderr    string
	Error     string
}

// Provider is a capability-bounded infrastructure backend. Not every
// operation is supported by every provider; the defaults in
// UnimplementedProvider return a util.ErrDependencyMissing-wrapped error
// for CreateNode/DestroyNode and nil or empty results for the rest.
type Provider interface {
	Name() string
	Capabilities() []string

	Deploy(ctx context.Context, labID string, topo Topology, workspace string) (DeployResult, error)
	Destroy(ctx context.Context, labID string, workspace string) (DestroyResult, error)
	Status(ctx context.Context, labID string, workspace string) (StatusResult, error)
	StartNode(ctx context.Context, labID, nodeName, workspace string) (NodeActionResult, error)
	StopNode(ctx context.Context, labID, nodeName, workspace string) (NodeActionResult, error)

	CreateNode(ctx context.Context, labID string, spec NodeSpec, workspace string) (NodeActionResult, error)
	DestroyNode(ctx context.Context, labID, nodeName, workspace string) (NodeActionResult, error)
	GetConsoleCommand(ctx context.Context, labID, nodeName, workspace string) ([]string, error)
	DiscoverLabs(ctx context.Context) (map[string][]NodeInfo, error)
	CleanupOrphanResources(ctx context.Context, validLabIDs map[string]bool, workspaceBase string) (map[string][]string, error)
}

// UnimplementedProvider supplies the default "not supported" behavior for
// the optional operations: CreateNode/DestroyNode return a dependency
// error, GetConsoleCommand returns a nil command with no error, and
// DiscoverLabs/CleanupOrphanResources return empty results.
type UnimplementedProvider struct {
	ProviderName string
}

func (u UnimplementedProvider) Capabilities() []string {
	return []string{"deploy", "destroy", "status", "node_actions", "console"}
}

func (u UnimplementedProvider) CreateNode(ctx context.Context, labID string, spec NodeSpec, workspace string) (NodeActionResult, error) {
	return NodeActionResult{}, util.NewDependencyError(u.ProviderName, "operation", "create_node")
}

func (u UnimplementedProvider) DestroyNode(ctx context.Context, labID, nodeName, workspace string) (NodeActionResult, error) {
	return NodeActionResult{}, util.NewDependencyError(u.ProviderName, "operation", "destroy_node")
}

func (u UnimplementedProvider) GetConsoleCommand(ctx context.Context, labID, nodeName, workspace string) ([]string, error) {
	return nil, nil
}

func (u UnimplementedProvider) DiscoverLabs(ctx context.Context) (map[string][]NodeInfo, error) {
	return map[string][]NodeInfo{}, nil
}

func (u UnimplementedProvider) CleanupOrphanResources(ctx context.Context, validLabIDs map[string]bool, workspaceBase string) (map[string][]string, error) {
	return map[string][]string{}, nil
}

// ContainerName derives the deterministic container name for (labID,
// nodeName): "archetype-<lab_id>-<node_name>".
func ContainerName(labID, nodeName string) string {
	return "archetype-" + labID + "-" + nodeName
}

// WorkspacePath returns the per-node config directory inside a lab's
// workspace.
func WorkspacePath(workspace, nodeName string, parts ...string) string {
	segs := append([]string{workspace, "configs", nodeName}, parts...)
	return path.Join(segs...)
}

// SanitizeLabID rejects a lab_id containing path traversal or path
// separators before it is ever used to build a filesystem path or shell
// command.
func SanitizeLabID(labID string) error {
	if labID == "" || strings.Contains(labID, "..") || strings.ContainsAny(labID, "/\\ \t\n") {
		return util.NewValidationError("invalid lab_id: must not contain path separators or '..'")
	}
	return nil
}
