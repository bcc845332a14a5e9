package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLister struct {
	names []string
	err   error
}

func (f *fakeLister) ListManagedContainers(ctx context.Context) ([]string, error) {
	return f.names, f.err
}

type fakeJobCounter struct {
	n int
}

func (f *fakeJobCounter) ActiveJobs() int { return f.n }

func TestRegisterPostsRecordAndAdoptsAssignedID(t *testing.T) {
	var gotRec Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/register" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotRec)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(RegisterResponse{AgentID: "assigned-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "agent-a", "10.0.0.1:8080", Capabilities{MaxConcurrentJobs: 4}, true, "standalone", nil, nil)
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if c.AgentID() != "assigned-123" {
		t.Fatalf("expected adopted agent id 'assigned-123', got %q", c.AgentID())
	}
	if !c.Registered() {
		t.Fatalf("expected Registered() to be true after successful register")
	}
	if gotRec.Name != "agent-a" || gotRec.Address != "10.0.0.1:8080" {
		t.Fatalf("unexpected posted record: %+v", gotRec)
	}
}

func TestRegisterNoopsWithoutControllerURL(t *testing.T) {
	c := New("", "agent-a", "agent-a", "", Capabilities{}, true, "standalone", nil, nil)
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("expected no error in standalone mode, got %v", err)
	}
	if c.Registered() {
		t.Fatalf("expected Registered() to remain false in standalone mode")
	}
}

func TestRegisterMarksUnregisteredOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-a", "agent-a", "", Capabilities{}, false, "distributed", nil, nil)
	if err := c.Register(context.Background()); err == nil {
		t.Fatalf("expected error on 500 response")
	}
	if c.Registered() {
		t.Fatalf("expected Registered() to be false after failed register")
	}
}

func TestHeartbeatIncludesListerAndJobCounterData(t *testing.T) {
	var gotPayload HeartbeatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lister := &fakeLister{names: []string{"archetype-lab-1-n1", "archetype-lab-1-n2"}}
	jobs := &fakeJobCounter{n: 3}
	c := New(srv.URL, "agent-a", "agent-a", "", Capabilities{}, true, "standalone", lister, jobs)

	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if gotPayload.AgentID != "agent-a" {
		t.Fatalf("expected agent id in payload, got %q", gotPayload.AgentID)
	}
	if gotPayload.Usage.RunningContainers != 2 {
		t.Fatalf("expected 2 running containers, got %d", gotPayload.Usage.RunningContainers)
	}
	if gotPayload.Usage.ActiveJobs != 3 {
		t.Fatalf("expected 3 active jobs, got %d", gotPayload.Usage.ActiveJobs)
	}
}

func TestHeartbeatMarksUnregisteredOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-a", "agent-a", "", Capabilities{}, true, "standalone", nil, nil)
	if err := c.Heartbeat(context.Background()); err == nil {
		t.Fatalf("expected error on 503 response")
	}
	if c.Registered() {
		t.Fatalf("expected Registered() false after failed heartbeat")
	}
}

func TestRunRegistersThenHeartbeatsOnInterval(t *testing.T) {
	var registerCount, heartbeatCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/register":
			atomic.AddInt32(&registerCount, 1)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(RegisterResponse{AgentID: "agent-a"})
		default:
			atomic.AddInt32(&heartbeatCount, 1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", "agent-a", "", Capabilities{}, true, "standalone", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.Run(ctx, 10*time.Millisecond)

	if atomic.LoadInt32(&registerCount) != 1 {
		t.Fatalf("expected exactly 1 initial register, got %d", registerCount)
	}
	if atomic.LoadInt32(&heartbeatCount) == 0 {
		t.Fatalf("expected at least one heartbeat during the run loop")
	}
}
