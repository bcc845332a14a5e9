package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// handleListInterfaces implements GET /interfaces: the cheap host
// interface inventory (name, MTU, up, default-route marker).
func (s *Server) handleListInterfaces(c *gin.Context) {
	ifaces, err := ovsnet.ListHostInterfaces(false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, InterfaceInventoryResponse{
		Interfaces:     ifaces,
		NetworkManager: ovsnet.DetectNetworkManager(),
	})
}

// handleInterfaceDetails implements GET /interfaces/details: the full
// inventory including per-interface IPv4 addresses.
func (s *Server) handleInterfaceDetails(c *gin.Context) {
	ifaces, err := ovsnet.ListHostInterfaces(true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, InterfaceInventoryResponse{
		Interfaces:     ifaces,
		NetworkManager: ovsnet.DetectNetworkManager(),
	})
}

// handleSetMTU implements POST /interfaces/{name}/mtu.
func (s *Server) handleSetMTU(c *gin.Context) {
	var body SetMTURequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	if err := util.ValidateMTU(body.MTU); err != nil {
		writeError(c, err)
		return
	}
	if err := ovsnet.SetHostMTU(c.Param("name"), body.MTU); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleListBridges implements GET /bridges: kernel and OVS bridges in
// one inventory.
func (s *Server) handleListBridges(c *gin.Context) {
	bridges, err := ovsnet.ListHostBridges(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bridges)
}

// handleExternalList implements GET /labs/{lab_id}/external: the host
// interfaces currently attached into the lab's L2 domain.
func (s *Server) handleExternalList(c *gin.Context) {
	attachments, err := s.deps.OVS.ExternalAttachments(c.Request.Context(), c.Param("lab_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, attachments)
}

// handleDeploymentMode implements GET /deployment-mode.
func (s *Server) handleDeploymentMode(c *gin.Context) {
	c.JSON(http.StatusOK, DeploymentModeResponse{Mode: s.deps.DeploymentMode})
}
