package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliverSucceedsOnFirstAttempt(t *testing.T) {
	var received Result
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(3, 10*time.Millisecond)
	result := Result{JobID: "job-1", AgentID: "agent-1", Status: StatusCompleted}
	if err := d.Deliver(context.Background(), srv.URL, "job-1", result); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if received.JobID != "job-1" || received.Status != StatusCompleted {
		t.Fatalf("unexpected delivered payload: %+v", received)
	}
	if len(d.DeadLetters()) != 0 {
		t.Fatalf("expected no dead letters on success")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(5, 5*time.Millisecond)
	err := d.Deliver(context.Background(), srv.URL, "job-2", Result{JobID: "job-2"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestDeliverExhaustsRetriesAndRecordsDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(2, 1*time.Millisecond)
	err := d.Deliver(context.Background(), srv.URL, "job-3", Result{JobID: "job-3"})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}

	letters := d.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].JobID != "job-3" {
		t.Fatalf("unexpected dead letter job id: %s", letters[0].JobID)
	}
	if letters[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", letters[0].Attempts)
	}
}

func TestClearDeadLettersEmptiesQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(1, time.Millisecond)
	d.Deliver(context.Background(), srv.URL, "job-4", Result{JobID: "job-4"})
	if len(d.DeadLetters()) == 0 {
		t.Fatalf("expected at least one dead letter before clearing")
	}
	d.ClearDeadLetters()
	if len(d.DeadLetters()) != 0 {
		t.Fatalf("expected dead letter queue to be empty after clear")
	}
}

func TestDeadLettersQueueIsBoundedAndReturnsCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(1, time.Millisecond)
	for i := 0; i < maxDeadLetters+10; i++ {
		d.Deliver(context.Background(), srv.URL, "job-bulk", Result{})
	}
	letters := d.DeadLetters()
	if len(letters) != maxDeadLetters {
		t.Fatalf("expected dead letter queue bounded at %d, got %d", maxDeadLetters, len(letters))
	}

	letters[0].JobID = "mutated"
	if d.DeadLetters()[0].JobID == "mutated" {
		t.Fatalf("expected DeadLetters() to return a defensive copy")
	}
}

func TestDeliverHeartbeatDoesNotRetryOnFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(5, time.Millisecond)
	d.DeliverHeartbeat(context.Background(), srv.URL, "job-5", "agent-1")

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 heartbeat attempt, got %d", got)
	}
	if len(d.DeadLetters()) != 0 {
		t.Fatalf("expected heartbeat failures to never enter the dead-letter queue")
	}
}

func TestDeliverContextCancellationStopsRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := New(100, 20*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := d.Deliver(ctx, srv.URL, "job-6", Result{JobID: "job-6"})
	if err == nil {
		t.Fatalf("expected delivery to fail once context is cancelled")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("expected cancellation to stop retries promptly, took %v", time.Since(start))
	}
}

func TestNewAppliesDefaultsForNonPositiveArgs(t *testing.T) {
	d := New(0, 0)
	if d.maxAttempts <= 0 {
		t.Fatalf("expected default maxAttempts > 0, got %d", d.maxAttempts)
	}
	if d.baseDelay <= 0 {
		t.Fatalf("expected default baseDelay > 0, got %v", d.baseDelay)
	}
}
