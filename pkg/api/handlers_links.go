package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/util"
)

func linkToDTO(l *ovsnet.Link) LinkResponse {
	return LinkResponse{
		LinkID: l.LinkID,
		ANode:  l.A.NodeName, AIface: l.A.IfaceName,
		ZNode: l.Z.NodeName, ZIface: l.Z.IfaceName,
		VLAN: l.Tag,
	}
}

// handleLinkCreate implements POST /labs/{lab_id}/links, hot-connecting
// two already-deployed endpoints.
func (s *Server) handleLinkCreate(c *gin.Context) {
	labID := c.Param("lab_id")
	var body LinkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	a := ovsnet.Endpoint{LabID: labID, NodeName: body.ANode, IfaceName: body.AIface}
	z := ovsnet.Endpoint{LabID: labID, NodeName: body.ZNode, IfaceName: body.ZIface}
	link, err := s.deps.Orchestrator.HotConnect(c.Request.Context(), labID, a, z)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkToDTO(link))
}

// handleLinkDelete implements DELETE /labs/{lab_id}/links/{link_id}.
func (s *Server) handleLinkDelete(c *gin.Context) {
	linkID := c.Param("link_id")
	if err := s.deps.Orchestrator.HotDisconnect(c.Request.Context(), linkID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleLinkList implements GET /labs/{lab_id}/links.
func (s *Server) handleLinkList(c *gin.Context) {
	labID := c.Param("lab_id")
	links := s.deps.Orchestrator.ListLinks(labID)
	out := make([]LinkResponse, len(links))
	for i, l := range links {
		out[i] = linkToDTO(l)
	}
	c.JSON(http.StatusOK, out)
}

func endpointFromParams(c *gin.Context) ovsnet.Endpoint {
	return ovsnet.Endpoint{
		LabID:     c.Param("lab_id"),
		NodeName:  c.Param("node"),
		IfaceName: c.Param("iface"),
	}
}

// handleCarrier implements POST .../carrier — simulates a link-down
// without tearing down the port.
func (s *Server) handleCarrier(c *gin.Context) {
	var body CarrierRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if err := s.deps.OVS.SetCarrier(endpointFromParams(c), body.Up); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleIsolate implements POST .../isolate: move the endpoint to a
// pairwise-distinct isolation tag, severing it from its peer without
// removing the port.
func (s *Server) handleIsolate(c *gin.Context) {
	if err := s.deps.OVS.IsolateEndpoint(c.Request.Context(), endpointFromParams(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleRestore implements POST .../restore: move the endpoint back to a
// caller-supplied tag (the link's shared tag it was isolated from).
func (s *Server) handleRestore(c *gin.Context) {
	var body RestoreRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if err := util.ValidateVLANID(body.Tag); err != nil {
		writeError(c, err)
		return
	}
	if err := s.deps.OVS.RestoreEndpoint(c.Request.Context(), endpointFromParams(c), body.Tag); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleVlan implements GET .../vlan.
func (s *Server) handleVlan(c *gin.Context) {
	ep := endpointFromParams(c)
	tag, ok := s.deps.OVS.EndpointTag(ep)
	if !ok {
		writeError(c, util.ErrNodeNotFound)
		return
	}
	c.JSON(http.StatusOK, VlanResponse{Node: ep.NodeName, Iface: ep.IfaceName, VLAN: tag})
}

// handleExternalConnect implements POST /external/connect.
func (s *Server) handleExternalConnect(c *gin.Context) {
	var body ExternalConnectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if body.VLAN != 0 {
		if err := util.ValidateVLANID(body.VLAN); err != nil {
			writeError(c, err)
			return
		}
	}
	labID := c.Query("lab_id")
	if err := s.deps.OVS.ConnectExternal(c.Request.Context(), labID, body.HostIface, body.VLAN); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleExternalDisconnect implements POST /external/disconnect.
func (s *Server) handleExternalDisconnect(c *gin.Context) {
	var body ExternalDisconnectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if err := s.deps.OVS.DisconnectExternal(c.Request.Context(), body.HostIface); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handlePatchCreate implements POST /ovs/patch, wiring the shared bridge
// to another local bridge for east-west traffic with an existing
// OVS-plugin-managed network.
func (s *Server) handlePatchCreate(c *gin.Context) {
	var body BridgePatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	local, remote, err := s.deps.OVS.CreatePatch(c.Request.Context(), body.TargetBridge, body.VLAN)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, BridgePatchResponse{LocalPort: local, RemotePort: remote})
}

// handlePatchDelete implements DELETE /ovs/patch.
func (s *Server) handlePatchDelete(c *gin.Context) {
	var body BridgePatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if err := s.deps.OVS.DeletePatch(c.Request.Context(), body.TargetBridge); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleOVSStatus implements GET /ovs/status, the shared-bridge
// OVS status introspection.
func (s *Server) handleOVSStatus(c *gin.Context) {
	bridge := s.deps.OVS.Bridge()
	ports, err := ovsnet.ListPorts(c.Request.Context(), bridge)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]OVSPortInfo, len(ports))
	for i, p := range ports {
		out[i] = OVSPortInfo{Name: p.Name, Tag: p.Tag, Type: p.Type, ExternalIDs: p.ExternalIDs, Options: p.Options}
	}
	c.JSON(http.StatusOK, OVSStatusResponse{Bridge: bridge, Ports: out})
}
