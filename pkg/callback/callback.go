// Package callback delivers async job outcomes and liveness heartbeats
// back to the controller. Callbacks that cannot be delivered after
// retries enter a dead-letter queue, visible via /callbacks/dead-letters.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/archetype-iac/archetyped/pkg/util"
)

// Status is the machine-readable job outcome enum driving the
// controller's state machine.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAccepted  Status = "accepted"
	StatusHeartbeat Status = "heartbeat"
)

// Result is the JSON body POSTed on job completion.
type Result struct {
	JobID       string    `json:"job_id"`
	AgentID     string    `json:"agent_id"`
	Status      Status    `json:"status"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	ErrorMsg    string    `json:"error_message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Heartbeat is the periodic liveness beat POSTed while a job is in
// flight.
type Heartbeat struct {
	JobID     string `json:"job_id"`
	AgentID   string `json:"agent_id"`
	Heartbeat bool   `json:"heartbeat"`
}

// DeadLetter records one callback delivery that exhausted its retry
// budget, kept in the in-memory dead-letter queue exposed via
// GET /callbacks/dead-letters.
type DeadLetter struct {
	URL       string    `json:"url"`
	JobID     string    `json:"job_id"`
	Body      string    `json:"body"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// Deliverer POSTs job outcomes to controller-supplied callback URLs with
// bounded exponential-backoff retry, and tracks terminal failures in a
// bounded in-memory dead-letter queue.
type Deliverer struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration

	mu          sync.Mutex
	deadLetters []DeadLetter
}

const maxDeadLetters = 512

// New constructs a Deliverer that retries up to maxAttempts times with
// exponential backoff starting at baseDelay.
func New(maxAttempts int, baseDelay time.Duration) *Deliverer {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Deliverer{
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Deliver POSTs body (a Result or Heartbeat) to url, retrying on failure
// with exponential backoff up to the configured attempt budget. On final
// failure the delivery is recorded in the dead-letter queue and the last
// error is returned.
func (d *Deliverer) Deliver(ctx context.Context, url string, jobID string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("callback: marshal body: %w", err)
	}

	delay := d.baseDelay
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := d.post(ctx, url, payload); err != nil {
			lastErr = err
			util.WithField("job_id", jobID).WithField("attempt", attempt).WithError(err).Warn("callback: delivery attempt failed")
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = d.maxAttempts // break loop
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		return nil
	}

	d.recordDeadLetter(url, jobID, payload, lastErr)
	return util.NewRetryableError("callback delivery", d.maxAttempts, lastErr)
}

// DeliverHeartbeat posts a heartbeat best-effort: a single attempt, no
// retry, failures only logged.
func (d *Deliverer) DeliverHeartbeat(ctx context.Context, url, jobID, agentID string) {
	hb := Heartbeat{JobID: jobID, AgentID: agentID, Heartbeat: true}
	payload, _ := json.Marshal(hb)
	if err := d.post(ctx, url, payload); err != nil {
		util.WithField("job_id", jobID).WithError(err).Debug("callback: heartbeat delivery failed")
	}
}

func (d *Deliverer) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback: %s returned %d", url, resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) recordDeadLetter(url, jobID string, payload []byte, lastErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	d.deadLetters = append(d.deadLetters, DeadLetter{
		URL:       url,
		JobID:     jobID,
		Body:      string(payload),
		LastError: errMsg,
		Attempts:  d.maxAttempts,
		FailedAt:  time.Now(),
	})
	if len(d.deadLetters) > maxDeadLetters {
		d.deadLetters = d.deadLetters[len(d.deadLetters)-maxDeadLetters:]
	}
}

// DeadLetters returns a snapshot of the current dead-letter queue, for
// GET /callbacks/dead-letters.
func (d *Deliverer) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.deadLetters))
	copy(out, d.deadLetters)
	return out
}

// ClearDeadLetters empties the dead-letter queue (admin operation).
func (d *Deliverer) ClearDeadLetters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadLetters = nil
}
