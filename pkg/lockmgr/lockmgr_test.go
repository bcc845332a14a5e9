package lockmgr

import (
	"context"
	"testing"
	"time"
)

func TestNoopManagerSerializesWithinProcess(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()

	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err == nil {
		t.Fatalf("expected second Acquire for held lab to fail")
	} else if _, ok := err.(*LockAcquisitionTimeout); !ok {
		t.Fatalf("expected *LockAcquisitionTimeout, got %T: %v", err, err)
	}

	if err := n.ForceRelease(ctx, "lab-1"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestNoopManagerDistinctLabsDoNotConflict(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()

	if err := n.Acquire(ctx, "lab-a", time.Second, time.Minute); err != nil {
		t.Fatalf("acquire lab-a: %v", err)
	}
	if err := n.Acquire(ctx, "lab-b", time.Second, time.Minute); err != nil {
		t.Fatalf("acquire lab-b: %v", err)
	}
}

func TestNoopManagerAcquireWithHeartbeatReleasesOnCall(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()

	release, err := n.AcquireWithHeartbeat(ctx, "lab-1", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWithHeartbeat: %v", err)
	}

	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err == nil {
		t.Fatalf("expected lab-1 to still be held before release")
	}

	release()

	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err != nil {
		t.Fatalf("expected lab-1 to be free after release: %v", err)
	}
}

func TestNoopManagerClearAgentLocksIsNoop(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()
	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cleared, err := n.ClearAgentLocks(ctx)
	if err != nil {
		t.Fatalf("ClearAgentLocks: %v", err)
	}
	if cleared != 0 {
		t.Fatalf("expected NoopManager.ClearAgentLocks to report 0, got %d", cleared)
	}
	// lock should still be held since ClearAgentLocks is a no-op here
	if err := n.Acquire(ctx, "lab-1", time.Second, time.Minute); err == nil {
		t.Fatalf("expected lab-1 to still be held after ClearAgentLocks")
	}
}

func TestNoopManagerGetAllLocksReflectsHeldLabs(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()
	n.Acquire(ctx, "lab-1", time.Second, time.Minute)
	n.Acquire(ctx, "lab-2", time.Second, time.Minute)

	locks, err := n.GetAllLocks(ctx)
	if err != nil {
		t.Fatalf("GetAllLocks: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected 2 locks, got %d: %+v", len(locks), locks)
	}
}

func TestLockAcquisitionTimeoutErrorMessage(t *testing.T) {
	err := &LockAcquisitionTimeout{LabID: "lab-x"}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}
