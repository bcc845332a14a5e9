// Package events watches container lifecycle: it subscribes to
// the container runtime's event stream, translates raw events into a
// typed enum, repairs OVS wiring lost on container restart, and forwards
// events to the controller as hints.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/archetype-iac/archetyped/pkg/util"
)

// Kind is the typed event enum.
type Kind string

const (
	KindStarted Kind = "STARTED"
	KindStopped Kind = "STOPPED"
	KindDied    Kind = "DIED"
	KindRemoved Kind = "REMOVED"
	KindOOM     Kind = "OOM"
)

// Event is the translated, typed container lifecycle event.
type Event struct {
	LabID       string            `json:"lab_id"`
	NodeName    string            `json:"node_name"`
	ContainerID string            `json:"container_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      Kind              `json:"status"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Repairer re-wires a container's host-side veths after the runtime
// recreates its network namespace on restart and silently drops them.
type Repairer interface {
	HandleContainerRestart(ctx context.Context, containerName, labID string) (RepairResult, error)
}

// RepairResult is the outcome of one restart repair pass.
type RepairResult struct {
	Repaired []string `json:"repaired"`
	Failed   []string `json:"failed"`
}

// Listener watches the docker event stream for Archetype-labeled
// containers.
type Listener struct {
	cli           *dockerclient.Client
	repairer      Repairer
	controllerURL string
	httpClient    *http.Client
}

// New constructs a Listener against an already-connected docker client.
func New(cli *dockerclient.Client, repairer Repairer, controllerURL string) *Listener {
	return &Listener{
		cli:           cli,
		repairer:      repairer,
		controllerURL: controllerURL,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Run subscribes to the docker event stream filtered to
// archetype.lab_id-labeled containers and processes events until ctx is
// cancelled. Transient stream errors trigger a resubscribe after a short
// backoff rather than exiting, since the listener is meant to run for
// the lifetime of the agent.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.runOnce(ctx); err != nil && ctx.Err() == nil {
			util.WithError(err).Warn("events: stream interrupted, resubscribing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	f.Add("label", "archetype.lab_id")

	msgs, errs := l.cli.Events(ctx, dockertypes.EventsOptions{Filters: f})
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case msg := <-msgs:
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg events.Message) {
	kind, ok := translateAction(msg.Action)
	if !ok {
		return
	}

	labID := msg.Actor.Attributes["archetype.lab_id"]
	nodeName := msg.Actor.Attributes["archetype.node_name"]
	ev := Event{
		LabID:       labID,
		NodeName:    nodeName,
		ContainerID: msg.Actor.ID,
		Timestamp:   time.Unix(0, msg.TimeNano),
		Status:      kind,
		Attributes:  msg.Actor.Attributes,
	}

	if kind == KindStarted && l.repairer != nil {
		containerName := msg.Actor.Attributes["name"]
		if _, err := l.repairer.HandleContainerRestart(ctx, containerName, labID); err != nil {
			util.WithNode(labID, nodeName).WithError(err).Warn("events: endpoint repair failed after restart")
		}
	}

	l.forward(ctx, ev)
}

// forward POSTs ev to the controller's /events/node endpoint with a
// short timeout. Failures are logged, not retried: events are hints, the
// controller reconciles via its own polling.
func (l *Listener) forward(ctx context.Context, ev Event) {
	if l.controllerURL == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, l.controllerURL+"/events/node", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		util.WithLab(ev.LabID).WithError(err).Debug("events: forward failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		util.WithLab(ev.LabID).Debug(fmt.Sprintf("events: controller returned %d for forwarded event", resp.StatusCode))
	}
}

func translateAction(action events.Action) (Kind, bool) {
	switch action {
	case events.ActionStart, events.ActionRestart, events.ActionUnPause:
		return KindStarted, true
	case events.ActionStop, events.ActionPause:
		return KindStopped, true
	case events.ActionDie:
		return KindDied, true
	case events.ActionDestroy:
		return KindRemoved, true
	case events.ActionOOM:
		return KindOOM, true
	default:
		return "", false
	}
}
