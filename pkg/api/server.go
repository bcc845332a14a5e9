// Package api is the agent's HTTP+WebSocket surface: a single gin
// server that validates requests, dispatches to a provider, and either
// completes synchronously or schedules a background job delivered via
// callback.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/callback"
	"github.com/archetype-iac/archetyped/pkg/kindregistry"
	"github.com/archetype-iac/archetyped/pkg/lab"
	"github.com/archetype-iac/archetyped/pkg/lockmgr"
	"github.com/archetype-iac/archetyped/pkg/overlay"
	"github.com/archetype-iac/archetyped/pkg/ovsnet"
	"github.com/archetype-iac/archetyped/pkg/provider"
	"github.com/archetype-iac/archetyped/pkg/reconcile"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// Updater is the narrow surface pkg/agent's self-update collaborator
// implements for POST /update (deliberately kept outside this package so
// the HTTP layer never shells out or manages its own process directly).
type Updater interface {
	RequestUpdate(mode, version string) (accepted bool, message string, err error)
}

// Reconciler is the narrow surface of the cleanup loop the API triggers
// when the controller requests an orphan sweep.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Result, error)
	NoteControllerReconcile()
}

// Registerer is the narrow surface of registration.Client this package
// needs, kept as an interface so handlers can be unit tested without a
// live controller.
type Registerer interface {
	AgentID() string
	Registered() bool
}

// Deps bundles every collaborator the API surface dispatches to. All
// fields are injected once by the Agent root object at construction time,
// — this package holds no package-level state.
type Deps struct {
	Orchestrator *lab.Orchestrator
	OVS          *ovsnet.Engine
	Overlay      *overlay.Engine
	Containers   provider.Provider // nil if the container provider is disabled
	VMs          provider.Provider // nil if the VM provider is disabled
	Locks        lockmgr.Manager
	Callbacks    *callback.Deliverer
	Kinds        *kindregistry.Registry
	Reg          Registerer
	Updater      Updater    // nil disables POST /update
	Reconciler   Reconciler // nil disables the /cleanup-orphans family

	AgentID        string
	Version        string
	Commit         string
	DeploymentMode string
	WorkspaceRoot  string
}

// Server owns the gin engine and every handler's dependencies.
type Server struct {
	deps   Deps
	engine *gin.Engine
}

// New builds the route table. gin runs in release mode here; debug
// logging goes through util.Logger, not gin's own writer.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(requestLogger(), gin.Recovery())

	s := &Server{deps: deps, engine: e}
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to an http.Server, letting the
// caller own listener lifecycle, TLS, and graceful shutdown.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger emits one structured log line per call via
// util.WithFields instead of gin's default Apache-style writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		entry := util.WithFields(fields)
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("api: request handled")
	}
}

// writeError maps a domain error to its HTTP status and the agent's
// uniform error body.
func writeError(c *gin.Context, err error) {
	c.JSON(util.HTTPStatus(err), ErrorResponse{Success: false, Error: err.Error()})
}

func (s *Server) routes() {
	e := s.engine

	e.GET("/health", s.handleHealth)
	e.GET("/info", s.handleInfo)

	e.POST("/jobs/deploy", s.handleDeploy)
	e.POST("/jobs/destroy", s.handleDestroyJob)
	e.GET("/labs/:lab_id/status", s.handleLabStatus)
	e.POST("/labs/:lab_id/nodes/reconcile", s.handleReconcileNodes)
	e.POST("/labs/:lab_id/nodes/:node/start", s.handleNodeStart)
	e.POST("/labs/:lab_id/nodes/:node/stop", s.handleNodeStop)
	e.DELETE("/labs/:lab_id/nodes/:node", s.handleNodeDestroy)

	e.POST("/labs/:lab_id/links", s.handleLinkCreate)
	e.DELETE("/labs/:lab_id/links/:link_id", s.handleLinkDelete)
	e.GET("/labs/:lab_id/links", s.handleLinkList)
	e.POST("/labs/:lab_id/nodes/:node/interfaces/:iface/carrier", s.handleCarrier)
	e.POST("/labs/:lab_id/nodes/:node/interfaces/:iface/isolate", s.handleIsolate)
	e.POST("/labs/:lab_id/nodes/:node/interfaces/:iface/restore", s.handleRestore)
	e.GET("/labs/:lab_id/nodes/:node/interfaces/:iface/vlan", s.handleVlan)

	e.POST("/external/connect", s.handleExternalConnect)
	e.POST("/external/disconnect", s.handleExternalDisconnect)
	e.POST("/ovs/patch", s.handlePatchCreate)
	e.DELETE("/ovs/patch", s.handlePatchDelete)
	e.GET("/ovs/status", s.handleOVSStatus)

	e.POST("/overlay/vtep", s.handleEnsureVTEP)
	e.POST("/overlay/attach-link", s.handleAttachLink)
	e.POST("/overlay/detach-link", s.handleDetachLink)
	e.POST("/labs/:lab_id/overlay/cleanup", s.handleOverlayCleanup)
	e.GET("/overlay/status", s.handleOverlayStatus)

	e.GET("/interfaces", s.handleListInterfaces)
	e.GET("/interfaces/details", s.handleInterfaceDetails)
	e.POST("/interfaces/:name/mtu", s.handleSetMTU)
	e.GET("/bridges", s.handleListBridges)
	e.GET("/labs/:lab_id/external", s.handleExternalList)

	e.GET("/images", s.handleListImages)
	e.GET("/images/exists", s.handleImageExists)
	e.POST("/images/receive", s.handleImageReceive)
	e.POST("/images/pull", s.handleImagePull)
	e.GET("/images/pull/:job_id/progress", s.handleImagePullProgress)

	e.POST("/labs/:lab_id/extract-configs", s.handleExtractConfigs)
	e.PUT("/labs/:lab_id/nodes/:node/config", s.handlePushConfig)

	e.GET("/locks/status", s.handleLockStatus)
	e.POST("/locks/:lab_id/release", s.handleForceRelease)
	e.GET("/callbacks/dead-letters", s.handleDeadLetters)
	e.DELETE("/callbacks/dead-letters", s.handleClearDeadLetters)
	e.POST("/cleanup-orphans", s.handleCleanupOrphans)
	e.POST("/cleanup-lab-orphans", s.handleCleanupLabOrphans)
	e.POST("/prune-docker", s.handlePruneDocker)
	e.POST("/update", s.handleUpdate)
	e.GET("/deployment-mode", s.handleDeploymentMode)

	e.GET("/labs/:lab_id/nodes/:node/console", s.handleConsole)
}
