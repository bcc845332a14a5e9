package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/reconcile"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// handleLockStatus implements GET /locks/status.
func (s *Server) handleLockStatus(c *gin.Context) {
	locks, err := s.deps.Locks.GetAllLocks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]LockInfoDTO, len(locks))
	for i, l := range locks {
		out[i] = LockInfoDTO{LabID: l.LabID, Owner: l.Owner, TTL: int64(l.TTL / time.Second)}
	}
	c.JSON(http.StatusOK, out)
}

// handleForceRelease implements POST /locks/{lab_id}/release, the
// operator escape hatch for a lock stuck past its TTL due to a crashed
// agent.
func (s *Server) handleForceRelease(c *gin.Context) {
	labID := c.Param("lab_id")
	if err := s.deps.Locks.ForceRelease(c.Request.Context(), labID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleDeadLetters implements GET /callbacks/dead-letters.
func (s *Server) handleDeadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Callbacks.DeadLetters())
}

// handleClearDeadLetters implements DELETE /callbacks/dead-letters,
// acknowledging and discarding the queue once an operator has triaged it.
func (s *Server) handleClearDeadLetters(c *gin.Context) {
	s.deps.Callbacks.ClearDeadLetters()
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handlePruneDocker implements POST /prune-docker.
func (s *Server) handlePruneDocker(c *gin.Context) {
	p, ok := s.dockerProvider()
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	containers, images, space, err := p.Prune(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DockerPruneResponse{
		ContainersPruned: containers, ImagesPruned: images, SpaceReclaimed: space,
	})
}

// handleUpdate implements POST /update, dispatched to the
// Agent-supplied Updater collaborator rather than handled here, since
// restarting the process is outside this package's concern.
func (s *Server) handleUpdate(c *gin.Context) {
	if s.deps.Updater == nil {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	var body UpdateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	accepted, message, err := s.deps.Updater.RequestUpdate(body.Mode, body.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, UpdateResponse{Accepted: accepted, Message: message})
}

func cleanupResultToDTO(res reconcile.Result) CleanupResult {
	return CleanupResult{
		OrphanVethsDeleted:     res.OrphanVethsDeleted,
		OrphanBridgesDeleted:   res.OrphanBridgesDeleted,
		OrphanVXLANsDeleted:    res.OrphanVXLANsDeleted,
		OVSPortsUntracked:      res.OVSPortsUntracked,
		OVSUnexpectedDeleted:   res.OVSUnexpectedDeleted,
		OVSTagDriftCorrected:   res.OVSTagDriftCorrected,
		OVSVXLANOrphansDeleted: res.OVSVXLANOrphansDeleted,
		ProviderOrphans:        res.ProviderOrphans,
		Errors:                 res.Errors,
		RanAt:                  res.RanAt,
	}
}

// runControllerCleanup notes the controller-driven reconciliation (which
// also re-arms the VXLAN orphan GC gate) and runs one full cleanup pass.
func (s *Server) runControllerCleanup(c *gin.Context) {
	if s.deps.Reconciler == nil {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	s.deps.Reconciler.NoteControllerReconcile()
	res, err := s.deps.Reconciler.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cleanupResultToDTO(res))
}

// handleCleanupOrphans implements POST /cleanup-orphans: one full GC
// pass over veths, bridges, VXLAN interfaces, OVS ports, and provider
// resources, using the agent's current view of valid labs.
func (s *Server) handleCleanupOrphans(c *gin.Context) {
	s.runControllerCleanup(c)
}

// handleCleanupLabOrphans implements POST /cleanup-lab-orphans: the
// controller pushes its authoritative valid-lab set, then the same GC
// pass removes every labeled resource whose lab is not in it.
func (s *Server) handleCleanupLabOrphans(c *gin.Context) {
	var body CleanupLabOrphansRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	s.deps.Orchestrator.SetValidLabIDs(body.ValidLabIDs)
	s.runControllerCleanup(c)
}
