package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// overlayOrUnavailable answers 503 when the overlay engine is disabled
// by configuration, so every handler below can assume it is non-nil.
func (s *Server) overlayOrUnavailable(c *gin.Context) bool {
	if s.deps.Overlay == nil {
		writeError(c, util.ErrProviderDisabled)
		return false
	}
	return true
}

// handleEnsureVTEP implements POST /overlay/vtep: ensures a trunk-mode
// VTEP to remote_ip exists, probing tenant MTU on first creation.
func (s *Server) handleEnsureVTEP(c *gin.Context) {
	var body EnsureVTEPRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if !util.IsValidIPv4(body.RemoteIP) {
		writeError(c, util.NewValidationError("remote_ip must be a valid IPv4 address"))
		return
	}
	if !s.overlayOrUnavailable(c) {
		return
	}
	localIP := c.Query("local_ip")
	vtep, err := s.deps.Overlay.EnsureVTEP(c.Request.Context(), localIP, body.RemoteIP)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, VtepInfo{
		RemoteIP: vtep.RemoteIP, Port: vtep.Port, VNI: vtep.VNI,
		TenantMTU: vtep.TenantMTU, RefCount: vtep.RefCount,
	})
}

// handleAttachLink implements POST /overlay/attach-link: realizes one
// cross-host link endpoint as a per-link access-mode VXLAN port reusing
// the local endpoint's VLAN tag.
func (s *Server) handleAttachLink(c *gin.Context) {
	var body AttachLinkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if !util.IsValidIPv4(body.RemoteIP) {
		writeError(c, util.NewValidationError("remote_ip must be a valid IPv4 address"))
		return
	}
	if err := util.ValidateVNI(body.VNI); err != nil {
		writeError(c, err)
		return
	}
	if !s.overlayOrUnavailable(c) {
		return
	}
	ep := ovsnet.Endpoint{LabID: body.LabID, NodeName: body.Node, IfaceName: body.Iface}
	tunnel, err := s.deps.Overlay.AttachLink(c.Request.Context(), body.LinkID, ep, body.VNI, body.RemoteIP)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, LinkTunnelInfo{
		LinkID: tunnel.LinkID, LabID: tunnel.LabID, Port: tunnel.Port,
		RemoteIP: tunnel.RemoteIP, VNI: tunnel.VNI, Tag: tunnel.Tag,
	})
}

// handleDetachLink implements POST /overlay/detach-link.
func (s *Server) handleDetachLink(c *gin.Context) {
	if !s.overlayOrUnavailable(c) {
		return
	}
	var body DetachLinkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	ep := ovsnet.Endpoint{LabID: body.LabID, NodeName: body.Node, IfaceName: body.Iface}
	if err := s.deps.Overlay.DetachLink(c.Request.Context(), body.LinkID, ep, body.DeleteVTEPIfUnused); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleOverlayCleanup implements POST /labs/{lab_id}/overlay/cleanup,
// releasing every per-link tunnel and VTEP reference a lab held.
func (s *Server) handleOverlayCleanup(c *gin.Context) {
	if !s.overlayOrUnavailable(c) {
		return
	}
	labID := c.Param("lab_id")
	if err := s.deps.Overlay.CleanupLab(c.Request.Context(), labID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleOverlayStatus implements GET /overlay/status.
func (s *Server) handleOverlayStatus(c *gin.Context) {
	if !s.overlayOrUnavailable(c) {
		return
	}
	vteps, tunnels := s.deps.Overlay.Status()
	vOut := make([]VtepInfo, len(vteps))
	for i, v := range vteps {
		vOut[i] = VtepInfo{RemoteIP: v.RemoteIP, Port: v.Port, VNI: v.VNI, TenantMTU: v.TenantMTU, RefCount: v.RefCount}
	}
	tOut := make([]LinkTunnelInfo, len(tunnels))
	for i, t := range tunnels {
		tOut[i] = LinkTunnelInfo{LinkID: t.LinkID, LabID: t.LabID, Port: t.Port, RemoteIP: t.RemoteIP, VNI: t.VNI, Tag: t.Tag}
	}
	c.JSON(http.StatusOK, OverlayStatusResponse{Vteps: vOut, Tunnels: tOut})
}
