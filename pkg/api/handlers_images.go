package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/archetype-iac/archetyped/pkg/provider/container"
	"github.com/archetype-iac/archetyped/pkg/util"
)

// dockerProvider narrows Containers down to the concrete docker backend
// for the image-lifecycle endpoints, which only it implements; the VM
// provider has no equivalent image store.
func (s *Server) dockerProvider() (*container.Provider, bool) {
	p, ok := s.deps.Containers.(*container.Provider)
	return p, ok
}

// handleListImages implements GET /images.
func (s *Server) handleListImages(c *gin.Context) {
	p, ok := s.dockerProvider()
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	images, err := p.ListImages(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	refs := []string{}
	for _, img := range images {
		refs = append(refs, img.RepoTags...)
	}
	c.JSON(http.StatusOK, refs)
}

// handleImageExists implements GET /images/exists?ref=....
func (s *Server) handleImageExists(c *gin.Context) {
	ref := c.Query("ref")
	p, ok := s.dockerProvider()
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref, "exists": p.ImageExists(c.Request.Context(), ref)})
}

// handleImageReceive implements POST /images/receive: streams a docker
// save tarball from the request body straight into the local image
// store.
func (s *Server) handleImageReceive(c *gin.Context) {
	p, ok := s.dockerProvider()
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	if err := p.ReceiveImage(c.Request.Context(), c.Request.Body); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleImagePull implements POST /images/pull, scheduling a background
// `docker pull` tracked by job id.
func (s *Server) handleImagePull(c *gin.Context) {
	var body ImagePullRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	p, ok := s.dockerProvider()
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	jobID := body.Reference + "-pull"
	go func() {
		_ = p.PullImage(context.Background(), jobID, body.Reference)
	}()
	c.JSON(http.StatusAccepted, ImagePullResponse{JobID: jobID})
}

// handleImagePullProgress implements GET /images/pull/{job_id}/progress.
func (s *Server) handleImagePullProgress(c *gin.Context) {
	jobID := c.Param("job_id")
	p, ok := s.dockerProvider()
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	prog, ok := p.PullProgressFor(jobID)
	if !ok {
		writeError(c, util.ErrNodeNotFound)
		return
	}
	c.JSON(http.StatusOK, ImagePullProgressResponse{
		JobID: jobID, Image: prog.Image, Status: prog.Status,
		Percent: prog.Percent, Error: prog.Error,
	})
}

// execProvider is the subset of Containers needed for config extraction
// and push, satisfied by the docker backend; left as an interface (not
// the concrete type) since a future provider could implement it too.
type execProvider interface {
	Exec(ctx context.Context, labID, nodeName string, cmd []string) (string, error)
}

// handleExtractConfigs implements POST /labs/{lab_id}/extract-configs,
// runs each
// node's kind-defined extraction command via the provider's optional Exec
// capability and returns the captured output per node.
func (s *Server) handleExtractConfigs(c *gin.Context) {
	labID := c.Param("lab_id")
	var body ExtractConfigsRequest
	_ = c.ShouldBindJSON(&body)

	p, ok := s.deps.Containers.(execProvider)
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}

	resp := ExtractConfigsResponse{Configs: map[string]string{}, Errors: map[string]string{}}
	for _, node := range body.Nodes {
		kind, _ := s.deps.Kinds.Get(node)
		cmd := []string{"cat", "/etc/network/config"}
		if kind != nil && kind.ConfigExtractCommand != "" {
			cmd = splitCommand(kind.ConfigExtractCommand)
		}
		out, err := p.Exec(c.Request.Context(), labID, node, cmd)
		if err != nil {
			resp.Errors[node] = err.Error()
			continue
		}
		resp.Configs[node] = out
	}
	c.JSON(http.StatusOK, resp)
}

func splitCommand(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// handlePushConfig implements PUT /labs/{lab_id}/nodes/{node}/config: a
// minimal config-push path for kinds whose live config is writable
// through a single file, delegated to the provider's Exec capability via
// a shell redirection.
func (s *Server) handlePushConfig(c *gin.Context) {
	labID, node := c.Param("lab_id"), c.Param("node")
	var body PushConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, util.NewValidationError(err.Error()))
		return
	}
	p, ok := s.deps.Containers.(execProvider)
	if !ok {
		writeError(c, util.ErrProviderDisabled)
		return
	}
	cmd := []string{"sh", "-c", "cat > /etc/network/config <<'EOF'\n" + body.Config + "\nEOF"}
	if _, err := p.Exec(c.Request.Context(), labID, node, cmd); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}
