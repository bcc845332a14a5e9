package api

import (
	"context"
	"io"
	"net/http"

	"github.com/docker/docker/api/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/archetype-iac/archetyped/pkg/util"
)

// consoleAttacher is satisfied by the container provider.
type consoleAttacher interface {
	AttachConsole(ctx context.Context, labID, nodeName, shell string) (types.HijackedResponse, error)
}

// consoleStreamer is satisfied by the VM provider when it is configured
// against a remote (qemu+ssh) libvirt host: the agent opens the virsh
// console itself over SSH rather than handing the caller a local virsh
// command that assumes local libvirt SSH transport is configured.
type consoleStreamer interface {
	AttachRemoteConsole(labID, nodeName string) (io.ReadWriteCloser, error)
}

var upgrader = websocket.Upgrader{
	// Origin checking is the controller's job (the agent only ever
	// accepts connections proxied from it); ReadBufferSize/WriteBufferSize
	// left at gorilla's defaults.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConsole implements GET /labs/{lab_id}/nodes/{node}/console: a
// WebSocket endpoint multiplexing an interactive shell session into the
// node's container.
func (s *Server) handleConsole(c *gin.Context) {
	labID, node := c.Param("lab_id"), c.Param("node")
	shell := c.Query("shell")
	ctx := c.Request.Context()

	if attacher, ok := s.deps.Containers.(consoleAttacher); ok {
		hijack, err := attacher.AttachConsole(ctx, labID, node, shell)
		if err != nil {
			writeError(c, err)
			return
		}
		defer hijack.Close()
		s.pumpConsole(c, labID, node, hijack.Reader, hijack.Conn, func() { hijack.CloseWrite() })
		return
	}

	if streamer, ok := s.deps.VMs.(consoleStreamer); ok {
		stream, err := streamer.AttachRemoteConsole(labID, node)
		if err != nil {
			writeError(c, err)
			return
		}
		defer stream.Close()
		s.pumpConsole(c, labID, node, stream, stream, func() {})
		return
	}

	writeError(c, util.ErrProviderDisabled)
}

// pumpConsole upgrades the request to a websocket and bridges it with a
// node's console stream: reads from r are forwarded as binary
// websocket frames, inbound frames are written to w. closeWrite (a
// no-op for streams with no half-close) is called once the client side
// goes quiet, mirroring the docker hijacked-connection shutdown.
func (s *Server) pumpConsole(c *gin.Context, labID, node string, r io.Reader, w io.Writer, closeWrite func()) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.WithNode(labID, node).WithError(err).Debug("api: console websocket upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		if _, err := w.Write(data); err != nil {
			break
		}
	}
	closeWrite()
	<-done
}
