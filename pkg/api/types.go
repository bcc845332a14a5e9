// Package api is the agent's HTTP+WebSocket surface: a single gin
// server that validates requests, dispatches to a provider, and either
// completes synchronously or schedules a background job delivered via
// callback.
package api

import (
	"time"

	"github.com/archetype-iac/archetyped/pkg/ovsnet"
)

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status     string    `json:"status"`
	AgentID    string    `json:"agent_id"`
	Commit     string    `json:"commit"`
	Registered bool      `json:"registered"`
	Timestamp  time.Time `json:"timestamp"`
}

// InfoResponse answers GET /info.
type InfoResponse struct {
	AgentID        string `json:"agent_id"`
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Registered     bool   `json:"registered"`
	Capabilities   any    `json:"capabilities"`
	DeploymentMode string `json:"deployment_mode"`
}

// NodeDTO is one node entry in a deploy request body.
type NodeDTO struct {
	Name           string            `json:"name" binding:"required"`
	Kind           string            `json:"kind" binding:"required"`
	Provider       string            `json:"provider,omitempty"`
	Image          string            `json:"image,omitempty"`
	InterfaceCount int               `json:"interface_count,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Binds          []string          `json:"binds,omitempty"`
	StartupConfig  string            `json:"startup_config,omitempty"`
	MemoryMB       int               `json:"memory_mb,omitempty"`
	CPUCores       int               `json:"cpu_cores,omitempty"`
}

// LinkDTO names two endpoints of a link in a deploy request body.
type LinkDTO struct {
	ANode     string `json:"a_node" binding:"required"`
	AIface    string `json:"a_iface" binding:"required"`
	ZNode     string `json:"z_node" binding:"required"`
	ZIface    string `json:"z_iface" binding:"required"`
	CrossHost bool   `json:"cross_host,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	VNI       int    `json:"vni,omitempty"`
}

// TopologyDTO is the structured deploy input.
type TopologyDTO struct {
	Nodes []NodeDTO `json:"nodes"`
	Links []LinkDTO `json:"links"`
}

// DeployJobRequest is the body of POST /jobs/deploy.
type DeployJobRequest struct {
	JobID       string      `json:"job_id"`
	LabID       string      `json:"lab_id" binding:"required"`
	Topology    TopologyDTO `json:"topology"`
	Provider    string      `json:"provider,omitempty"`
	CallbackURL string      `json:"callback_url,omitempty"`
}

// DestroyJobRequest is the body of POST /jobs/destroy.
type DestroyJobRequest struct {
	JobID       string `json:"job_id"`
	LabID       string `json:"lab_id" binding:"required"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// JobResult is the synchronous-mode response for deploy/destroy.
type JobResult struct {
	JobID       string          `json:"job_id"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Nodes       []NodeStatusDTO `json:"nodes,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// AcceptedResponse is returned when a job is scheduled for async
// delivery.
type AcceptedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// NodeStatusDTO is one node's reported status in GET /labs/{lab_id}/status.
type NodeStatusDTO struct {
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	ContainerID string   `json:"container_id,omitempty"`
	Image       string   `json:"image,omitempty"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// LabStatusResponse answers GET /labs/{lab_id}/status.
type LabStatusResponse struct {
	LabID string          `json:"lab_id"`
	Nodes []NodeStatusDTO `json:"nodes"`
	Error string          `json:"error,omitempty"`
}

// ReconcileNodeRequest is one entry of POST /labs/{lab_id}/nodes/reconcile's
// batch body.
type ReconcileNodeRequest struct {
	ContainerName string `json:"container_name" binding:"required"`
	DesiredState  string `json:"desired_state" binding:"required"` // running|stopped
}

// ReconcileNodeResult is the per-node outcome, action is one of
// started|stopped|already_running|already_stopped|error.
type ReconcileNodeResult struct {
	ContainerName string `json:"container_name"`
	Action        string `json:"action"`
	Error         string `json:"error,omitempty"`
}

// LinkRequest is the body of POST /labs/{lab_id}/links (hot-connect).
type LinkRequest struct {
	ANode  string `json:"a_node" binding:"required"`
	AIface string `json:"a_iface" binding:"required"`
	ZNode  string `json:"z_node" binding:"required"`
	ZIface string `json:"z_iface" binding:"required"`
}

// LinkResponse describes one tracked link in GET /labs/{lab_id}/links.
type LinkResponse struct {
	LinkID string `json:"link_id"`
	ANode  string `json:"a_node"`
	AIface string `json:"a_iface"`
	ZNode  string `json:"z_node"`
	ZIface string `json:"z_iface"`
	VLAN   int    `json:"vlan"`
}

// CarrierRequest is the body of POST .../carrier.
type CarrierRequest struct {
	Up bool `json:"up"`
}

// RestoreRequest is the body of POST .../restore.
type RestoreRequest struct {
	Tag int `json:"tag" binding:"required"`
}

// VlanResponse answers GET .../vlan.
type VlanResponse struct {
	Node  string `json:"node"`
	Iface string `json:"iface"`
	VLAN  int    `json:"vlan"`
}

// EnsureVTEPRequest is the body of POST /overlay/vtep.
type EnsureVTEPRequest struct {
	RemoteIP string `json:"remote_ip" binding:"required"`
}

// VtepInfo describes one VTEP in GET /overlay/status.
type VtepInfo struct {
	RemoteIP  string `json:"remote_ip"`
	Port      string `json:"port"`
	VNI       int    `json:"vni"`
	TenantMTU int    `json:"tenant_mtu"`
	RefCount  int    `json:"ref_count"`
}

// LinkTunnelInfo describes one per-link VXLAN tunnel.
type LinkTunnelInfo struct {
	LinkID   string `json:"link_id"`
	LabID    string `json:"lab_id"`
	Port     string `json:"port"`
	RemoteIP string `json:"remote_ip"`
	VNI      int    `json:"vni"`
	Tag      int    `json:"tag"`
}

// OverlayStatusResponse answers GET /overlay/status.
type OverlayStatusResponse struct {
	Vteps   []VtepInfo       `json:"vteps"`
	Tunnels []LinkTunnelInfo `json:"tunnels"`
}

// AttachLinkRequest is the body of POST /overlay/attach-link.
type AttachLinkRequest struct {
	LabID    string `json:"lab_id" binding:"required"`
	Node     string `json:"node" binding:"required"`
	Iface    string `json:"iface" binding:"required"`
	LinkID   string `json:"link_id" binding:"required"`
	VNI      int    `json:"vni" binding:"required"`
	RemoteIP string `json:"remote_ip" binding:"required"`
}

// DetachLinkRequest is the body of POST /overlay/detach-link.
type DetachLinkRequest struct {
	LabID              string `json:"lab_id" binding:"required"`
	Node               string `json:"node" binding:"required"`
	Iface              string `json:"iface" binding:"required"`
	LinkID             string `json:"link_id" binding:"required"`
	DeleteVTEPIfUnused bool   `json:"delete_vtep_if_unused,omitempty"`
}

// ExternalConnectRequest is the body of POST .../external/connect.
type ExternalConnectRequest struct {
	HostIface string `json:"host_iface" binding:"required"`
	VLAN      int    `json:"vlan,omitempty"`
}

// ExternalDisconnectRequest is the body of POST .../external/disconnect.
type ExternalDisconnectRequest struct {
	HostIface string `json:"host_iface" binding:"required"`
}

// BridgePatchRequest is the body of POST /ovs/patch and DELETE /ovs/patch.
type BridgePatchRequest struct {
	TargetBridge string `json:"target_bridge" binding:"required"`
	VLAN         int    `json:"vlan,omitempty"`
}

// BridgePatchResponse answers POST /ovs/patch.
type BridgePatchResponse struct {
	LocalPort  string `json:"local_port"`
	RemotePort string `json:"remote_port"`
}

// OVSPortInfo describes one port on the shared bridge.
type OVSPortInfo struct {
	Name        string            `json:"name"`
	Tag         int               `json:"tag"`
	Type        string            `json:"type"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// OVSStatusResponse answers GET /ovs/status.
type OVSStatusResponse struct {
	Bridge string        `json:"bridge"`
	Ports  []OVSPortInfo `json:"ports"`
}

// LockInfoDTO describes one held lock, per GET /locks/status.
type LockInfoDTO struct {
	LabID string        `json:"lab_id"`
	Owner string        `json:"owner"`
	TTL   int64  `json:"ttl_seconds"`
}

// DockerPruneRequest is the body of POST /prune-docker.
type DockerPruneRequest struct {
	Images     bool `json:"images,omitempty"`
	Volumes    bool `json:"volumes,omitempty"`
	BuildCache bool `json:"build_cache,omitempty"`
}

// DockerPruneResponse answers POST /prune-docker.
type DockerPruneResponse struct {
	ContainersPruned int    `json:"containers_pruned"`
	ImagesPruned     int    `json:"images_pruned"`
	SpaceReclaimed   uint64 `json:"space_reclaimed_bytes"`
}

// UpdateRequest is the body of POST /update; this package only defines
// the wire shape and dispatches to the server's Updater.
type UpdateRequest struct {
	Mode    string `json:"mode" binding:"required"`
	Version string `json:"version,omitempty"`
}

// UpdateResponse answers POST /update.
type UpdateResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// ImagePullRequest is the body of POST /images/pull.
type ImagePullRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// ImagePullResponse answers POST /images/pull.
type ImagePullResponse struct {
	JobID string `json:"job_id"`
}

// ImagePullProgressResponse answers GET /images/pull/{job_id}/progress.
type ImagePullProgressResponse struct {
	JobID      string `json:"job_id"`
	Image      string `json:"image"`
	Status     string `json:"status"`
	Percent    int    `json:"percent"`
	Error      string `json:"error,omitempty"`
}

// ExtractConfigsRequest is the body of POST /labs/{lab_id}/extract-configs.
type ExtractConfigsRequest struct {
	Nodes []string `json:"nodes,omitempty"`
}

// ExtractConfigsResponse answers POST /labs/{lab_id}/extract-configs.
type ExtractConfigsResponse struct {
	Configs map[string]string `json:"configs"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// PushConfigRequest is the body of PUT /labs/{lab_id}/nodes/{node}/config.
type PushConfigRequest struct {
	Config string `json:"config" binding:"required"`
}

// ErrorResponse is the shape of every non-2xx JSON body.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SuccessResponse is a bare acknowledgement for idempotent
// destroy-shaped endpoints.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// InterfaceInventoryResponse answers GET /interfaces and
// GET /interfaces/details.
type InterfaceInventoryResponse struct {
	Interfaces     []ovsnet.HostInterface `json:"interfaces"`
	NetworkManager string                 `json:"network_manager"`
}

// SetMTURequest is the body of POST /interfaces/{name}/mtu.
type SetMTURequest struct {
	MTU int `json:"mtu" binding:"required"`
}

// DeploymentModeResponse answers GET /deployment-mode.
type DeploymentModeResponse struct {
	Mode string `json:"mode"`
}

// CleanupLabOrphansRequest is the body of POST /cleanup-lab-orphans: the
// controller's authoritative set of labs that should exist on this host.
type CleanupLabOrphansRequest struct {
	ValidLabIDs []string `json:"valid_lab_ids"`
}

// CleanupResult is the per-kind tally answered by the
// /cleanup-orphans family.
type CleanupResult struct {
	OrphanVethsDeleted     []string            `json:"orphan_veths_deleted"`
	OrphanBridgesDeleted   []string            `json:"orphan_bridges_deleted"`
	OrphanVXLANsDeleted    []string            `json:"orphan_vxlans_deleted"`
	OVSPortsUntracked      int                 `json:"ovs_ports_untracked"`
	OVSUnexpectedDeleted   []string            `json:"ovs_unexpected_deleted"`
	OVSTagDriftCorrected   []string            `json:"ovs_tag_drift_corrected"`
	OVSVXLANOrphansDeleted []string            `json:"ovs_vxlan_orphans_deleted"`
	ProviderOrphans        map[string][]string `json:"provider_orphans"`
	Errors                 []string            `json:"errors,omitempty"`
	RanAt                  time.Time           `json:"ran_at"`
}
