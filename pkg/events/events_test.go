package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
)

func TestTranslateActionMapsKnownActions(t *testing.T) {
	tests := []struct {
		action events.Action
		want   Kind
		wantOK bool
	}{
		{events.ActionStart, KindStarted, true},
		{events.ActionRestart, KindStarted, true},
		{events.ActionUnPause, KindStarted, true},
		{events.ActionStop, KindStopped, true},
		{events.ActionPause, KindStopped, true},
		{events.ActionDie, KindDied, true},
		{events.ActionDestroy, KindRemoved, true},
		{events.ActionOOM, KindOOM, true},
		{events.Action("exec_create"), "", false},
	}
	for _, tt := range tests {
		got, ok := translateAction(tt.action)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("translateAction(%q) = (%q, %v), want (%q, %v)", tt.action, got, ok, tt.want, tt.wantOK)
		}
	}
}

type fakeRepairer struct {
	called        bool
	containerName string
	labID         string
	result        RepairResult
	err           error
}

func (f *fakeRepairer) HandleContainerRestart(ctx context.Context, containerName, labID string) (RepairResult, error) {
	f.called = true
	f.containerName = containerName
	f.labID = labID
	return f.result, f.err
}

func TestHandleForwardsEventToController(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/node" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var ev Event
		json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repairer := &fakeRepairer{}
	l := New(nil, repairer, srv.URL)

	msg := events.Message{
		Action:   events.ActionStart,
		TimeNano: time.Now().UnixNano(),
	}
	msg.Actor.ID = "container-1"
	msg.Actor.Attributes = map[string]string{
		"archetype.lab_id":   "lab-1",
		"archetype.node_name": "n1",
		"name":                "archetype-lab-1-n1",
	}

	l.handle(context.Background(), msg)

	select {
	case ev := <-received:
		if ev.LabID != "lab-1" || ev.NodeName != "n1" || ev.Status != KindStarted {
			t.Fatalf("unexpected forwarded event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for forwarded event")
	}

	if !repairer.called {
		t.Fatalf("expected repairer to be invoked on container start")
	}
	if repairer.containerName != "archetype-lab-1-n1" || repairer.labID != "lab-1" {
		t.Fatalf("unexpected repairer args: name=%q lab=%q", repairer.containerName, repairer.labID)
	}
}

func TestHandleSkipsUnknownActions(t *testing.T) {
	l := New(nil, &fakeRepairer{}, "")
	msg := events.Message{Action: events.Action("exec_create")}
	// Should not panic or attempt to forward with no controller URL set.
	l.handle(context.Background(), msg)
}

func TestHandleDoesNotInvokeRepairerForNonStartEvents(t *testing.T) {
	repairer := &fakeRepairer{}
	l := New(nil, repairer, "")

	msg := events.Message{Action: events.ActionDie, TimeNano: time.Now().UnixNano()}
	msg.Actor.ID = "container-2"
	msg.Actor.Attributes = map[string]string{"archetype.lab_id": "lab-1"}

	l.handle(context.Background(), msg)

	if repairer.called {
		t.Fatalf("expected repairer not to be called for a DIED event")
	}
}

func TestForwardNoopsWhenControllerURLEmpty(t *testing.T) {
	l := New(nil, nil, "")
	// Should return immediately without attempting any network call.
	l.forward(context.Background(), Event{LabID: "lab-1"})
}
