package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/lab"
	"github.com/archetype-iac/archetyped/pkg/provider"
	"github.com/archetype-iac/archetyped/pkg/util"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		AgentID:    s.deps.AgentID,
		Commit:     s.deps.Commit,
		Registered: s.deps.Reg != nil && s.deps.Reg.Registered(),
		Timestamp:  time.Now(),
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	caps := []string{}
	if s.deps.Containers != nil {
		caps = append(caps, s.deps.Containers.Capabilities()...)
	}
	if s.deps.VMs != nil {
		caps = append(caps, s.deps.VMs.Capabilities()...)
	}
	registered := false
	if s.deps.Reg != nil {
		registered = s.deps.Reg.Registered()
	}
	c.JSON(http.StatusOK, InfoResponse{
		AgentID:        s.deps.AgentID,
		Version:        s.deps.Version,
		Commit:         s.deps.Commit,
		Registered:     registered,
		Capabilities:   caps,
		DeploymentMode: s.deps.DeploymentMode,
	})
}

func toDeployRequest(labID string, body DeployJobRequest) lab.DeployRequest {
	nodes := make([]lab.NodeRequest, len(body.Topology.Nodes))
	for i, n := range body.Topology.Nodes {
		nodes[i] = lab.NodeRequest{
			Name:           n.Name,
			Kind:           n.Kind,
			Provider:       n.Provider,
			Image:          n.Image,
			InterfaceCount: n.InterfaceCount,
			Environment:    n.Environment,
			Binds:          n.Binds,
			StartupConfig:  n.StartupConfig,
			MemoryMB:       n.MemoryMB,
			CPUCores:       n.CPUCores,
		}
	}
	links := make([]lab.LinkRequest, len(body.Topology.Links))
	for i, l := range body.Topology.Links {
		links[i] = lab.LinkRequest{
			ANode: l.ANode, AIface: l.AIface,
			ZNode: l.ZNode, ZIface: l.ZIface,
			CrossHost: l.CrossHost, RemoteIP: l.RemoteIP, VNI: l.VNI,
		}
	}
	return lab.DeployRequest{
		JobID:       body.JobID,
		LabID:       labID,
		Nodes:       nodes,
		Links:       links,
		CallbackURL: body.CallbackURL,
	}
}

func toJobResult(out lab.DeployOutcome, jobID string, err error) JobResult {
	nodes := make([]NodeStatusDTO, len(out.Nodes))
	for i, n := range out.Nodes {
		nodes[i] = nodeInfoToDTO(n)
	}
	errMsg := out.Error
	if errMsg == "" && err != nil {
		errMsg = err.Error()
	}
	return JobResult{
		JobID:       jobID,
		Success:     out.Success,
		Error:       errMsg,
		Nodes:       nodes,
		StartedAt:   out.StartedAt,
		CompletedAt: out.CompletedAt,
	}
}

func nodeInfoToDTO(n provider.NodeInfo) NodeStatusDTO {
	return NodeStatusDTO{
		Name:        n.Name,
		Status:      string(n.Status),
		ContainerID: n.ContainerID,
		Image:       n.Image,
		IPAddresses: n.IPAddresses,
	}
}

// handleDeploy implements POST /jobs/deploy: synchronous
// when no callback_url is given, otherwise scheduled and answered 202.
func (s *Server) handleDeploy(c *gin.Context) {
	var body DeployJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	req := toDeployRequest(body.LabID, body)

	if req.CallbackURL != "" {
		s.deps.Orchestrator.DeployAsync(c.Request.Context(), req)
		c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted", JobID: req.JobID})
		return
	}

	out, err := s.deps.Orchestrator.Deploy(c.Request.Context(), req)
	if err != nil && !out.Success {
		c.JSON(util.HTTPStatus(err), toJobResult(out, req.JobID, err))
		return
	}
	c.JSON(http.StatusOK, toJobResult(out, req.JobID, err))
}

// handleDestroyJob implements POST /jobs/destroy.
func (s *Server) handleDestroyJob(c *gin.Context) {
	var body DestroyJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}

	if body.CallbackURL != "" {
		s.deps.Orchestrator.DestroyAsync(c.Request.Context(), body.LabID, body.JobID, body.CallbackURL)
		c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted", JobID: body.JobID})
		return
	}

	out, err := s.deps.Orchestrator.Destroy(c.Request.Context(), body.LabID)
	errMsg := out.Error
	if errMsg == "" && err != nil {
		errMsg = err.Error()
	}
	result := JobResult{
		JobID: body.JobID, Success: out.Success, Error: errMsg,
		StartedAt: out.StartedAt, CompletedAt: out.CompletedAt,
	}
	if err != nil && !out.Success {
		c.JSON(util.HTTPStatus(err), result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleLabStatus implements GET /labs/{lab_id}/status.
func (s *Server) handleLabStatus(c *gin.Context) {
	labID := c.Param("lab_id")
	res, err := s.deps.Orchestrator.Status(c.Request.Context(), labID)
	if err != nil {
		c.JSON(util.HTTPStatus(err), LabStatusResponse{LabID: labID, Error: err.Error()})
		return
	}
	nodes := make([]NodeStatusDTO, len(res.Nodes))
	for i, n := range res.Nodes {
		nodes[i] = nodeInfoToDTO(n)
	}
	c.JSON(http.StatusOK, LabStatusResponse{LabID: labID, Nodes: nodes})
}

// providerForLab picks the container or VM provider for ad hoc node
// actions that don't carry a per-node kind in the request (start/stop/
// destroy/reconcile act on whichever provider already owns the node; the
// container provider is tried first since it is the common case).
func (s *Server) providerForLab() provider.Provider {
	if s.deps.Containers != nil {
		return s.deps.Containers
	}
	return s.deps.VMs
}

// handleReconcileNodes implements POST /labs/{lab_id}/nodes/reconcile:
// bring each named container to its desired running/stopped state,
// tolerating nodes already in that state.
func (s *Server) handleReconcileNodes(c *gin.Context) {
	labID := c.Param("lab_id")
	var body []ReconcileNodeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	p := s.providerForLab()
	if p == nil {
		writeError(c, util.ErrProviderDisabled)
		return
	}

	results := make([]ReconcileNodeResult, 0, len(body))
	for _, n := range body {
		nodeName := nodeNameFromContainerName(n.ContainerName, labID)
		var res ReconcileNodeResult
		res.ContainerName = n.ContainerName

		switch n.DesiredState {
		case "running":
			out, err := p.StartNode(c.Request.Context(), labID, nodeName, s.labWorkspace(labID))
			res.Action = reconcileAction(err, out.NewStatus, "started", "already_running")
			if err != nil {
				res.Error = err.Error()
			}
		case "stopped":
			out, err := p.StopNode(c.Request.Context(), labID, nodeName, s.labWorkspace(labID))
			res.Action = reconcileAction(err, out.NewStatus, "stopped", "already_stopped")
			if err != nil {
				res.Error = err.Error()
			}
		default:
			res.Action = "error"
			res.Error = "desired_state must be running or stopped"
		}
		results = append(results, res)
	}
	c.JSON(http.StatusOK, results)
}

func reconcileAction(err error, newStatus provider.NodeStatus, okAction, alreadyAction string) string {
	if err != nil {
		return "error"
	}
	if newStatus == provider.StatusRunning || newStatus == provider.StatusStopped {
		return okAction
	}
	return alreadyAction
}

func nodeNameFromContainerName(containerName, labID string) string {
	prefix := "archetype-" + labID + "-"
	if len(containerName) > len(prefix) && containerName[:len(prefix)] == prefix {
		return containerName[len(prefix):]
	}
	return containerName
}

func (s *Server) labWorkspace(labID string) string {
	return filepath.Join(s.deps.WorkspaceRoot, labID)
}

func (s *Server) handleNodeStart(c *gin.Context) {
	s.nodeAction(c, func(c *gin.Context, p provider.Provider, labID, node string) (provider.NodeActionResult, error) {
		return p.StartNode(c.Request.Context(), labID, node, s.labWorkspace(labID))
	})
}

func (s *Server) handleNodeStop(c *gin.Context) {
	s.nodeAction(c, func(c *gin.Context, p provider.Provider, labID, node string) (provider.NodeActionResult, error) {
		return p.StopNode(c.Request.Context(), labID, node, s.labWorkspace(labID))
	})
}

func (s *Server) handleNodeDestroy(c *gin.Context) {
	s.nodeAction(c, func(c *gin.Context, p provider.Provider, labID, node string) (provider.NodeActionResult, error) {
		return p.DestroyNode(c.Request.Context(), labID, node, s.labWorkspace(labID))
	})
}

func (s *Server) nodeAction(c *gin.Context, fn func(*gin.Context, provider.Provider, string, string) (provider.NodeActionResult, error)) {
	labID, node := c.Param("lab_id"), c.Param("node")
	p := s.providerForLab()
	if p == nil {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	res, err := fn(c, p, labID, node)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
