package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/archetype-iac/archetyped/pkg/kindregistry"
	"github.com/archetype-iac/archetyped/pkg/lab"
	"github.com/archetype-iac/archetyped/pkg/lockmgr"
)

type fakeRegisterer struct {
	id         string
	registered bool
}

func (f fakeRegisterer) AgentID() string  { return f.id }
func (f fakeRegisterer) Registered() bool { return f.registered }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	locks := lockmgr.NewNoop()
	orch := lab.New("agent-test", locks, nil, nil, kindregistry.Builtin(), nil, nil, nil, t.TempDir(), "")
	return New(Deps{
		Orchestrator:   orch,
		Locks:          locks,
		Kinds:          kindregistry.Builtin(),
		Reg:            fakeRegisterer{id: "agent-test", registered: true},
		AgentID:        "agent-test",
		Version:        "test",
		Commit:         "deadbeef",
		DeploymentMode: "local",
		WorkspaceRoot:  t.TempDir(),
	})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.AgentID != "agent-test" || !resp.Registered {
		t.Fatalf("unexpected health body: %+v", resp)
	}
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/info", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var resp InfoResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "test" || resp.Commit != "deadbeef" || resp.DeploymentMode != "local" {
		t.Fatalf("unexpected info body: %+v", resp)
	}
}

func TestDeployRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/jobs/deploy", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestDeployRejectsPathTraversalLabID(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/jobs/deploy",
		`{"job_id":"j1","lab_id":"../../etc","topology":{"nodes":[],"links":[]}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal lab_id, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestLabStatusUnknownLab(t *testing.T) {
	s := newTestServer(t)
	// No provider is wired, so no lab can exist; a clean id still resolves
	// the handler and reports not-found.
	w := do(t, s, http.MethodGet, "/labs/lab1/status", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown lab, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestNodeActionWithoutProviders(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/labs/lab1/nodes/r1/start", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no providers wired, got %d", w.Code)
	}
}

func TestImagesWithoutContainerProvider(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/images", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no container provider, got %d", w.Code)
	}
}

func TestUpdateDisabled(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/update", `{"mode":"binary","version":"v2"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no updater wired, got %d", w.Code)
	}
}

func TestDeploymentMode(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/deployment-mode", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var resp DeploymentModeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Mode != "local" {
		t.Fatalf("unexpected mode %q", resp.Mode)
	}
}

func TestCleanupOrphansWithoutReconciler(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/cleanup-orphans", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no reconciler wired, got %d", w.Code)
	}
}

func TestSetMTURejectsOutOfRange(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/interfaces/eth0/mtu", `{"mtu":20}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for MTU below minimum, got %d", w.Code)
	}
}

func TestAttachLinkRejectsBadRemoteIP(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/overlay/attach-link",
		`{"lab_id":"lab1","node":"r1","iface":"eth1","link_id":"l1","vni":10042,"remote_ip":"not-an-ip"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed remote_ip, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestLockStatusEmpty(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/locks/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var locks []LockInfoDTO
	if err := json.Unmarshal(w.Body.Bytes(), &locks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expected no held locks, got %v", locks)
	}
}
