//go:build integration

package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/archetype-iac/archetyped/internal/testutil"
)

func TestRedisManagerAcquireAndRelease(t *testing.T) {
	addr := testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t, addr, 0)
	ctx := context.Background()

	m := New(addr, 0, "agent-1")
	defer m.Close()

	if err := m.Acquire(ctx, "lab-1", 2*time.Second, time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	other := New(addr, 0, "agent-2")
	defer other.Close()
	if err := other.Acquire(ctx, "lab-1", 200*time.Millisecond, time.Minute); err == nil {
		t.Fatalf("expected second agent's Acquire to time out while lock held")
	}

	if err := m.ForceRelease(ctx, "lab-1"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if err := other.Acquire(ctx, "lab-1", 2*time.Second, time.Minute); err != nil {
		t.Fatalf("expected Acquire to succeed after release: %v", err)
	}
	other.ForceRelease(ctx, "lab-1")
}

func TestRedisManagerAcquireWithHeartbeatExtendsTTL(t *testing.T) {
	addr := testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t, addr, 0)
	ctx := context.Background()

	m := New(addr, 0, "agent-1")
	defer m.Close()

	release, err := m.AcquireWithHeartbeat(ctx, "lab-2", 2*time.Second, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWithHeartbeat: %v", err)
	}

	// TTL is extendInterval*3 == 300ms; sleep past that and confirm the
	// heartbeat extender kept the key alive.
	time.Sleep(500 * time.Millisecond)
	locks, err := m.GetAllLocks(ctx)
	if err != nil {
		t.Fatalf("GetAllLocks: %v", err)
	}
	found := false
	for _, l := range locks {
		if l.LabID == "lab-2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lab-2 lock to still be held after heartbeat extension, got %+v", locks)
	}

	release()

	locks, err = m.GetAllLocks(ctx)
	if err != nil {
		t.Fatalf("GetAllLocks after release: %v", err)
	}
	for _, l := range locks {
		if l.LabID == "lab-2" {
			t.Fatalf("expected lab-2 lock to be released")
		}
	}
}

func TestRedisManagerClearAgentLocks(t *testing.T) {
	addr := testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t, addr, 0)
	ctx := context.Background()

	mine := New(addr, 0, "agent-1")
	defer mine.Close()
	theirs := New(addr, 0, "agent-2")
	defer theirs.Close()

	mine.Acquire(ctx, "lab-a", 2*time.Second, time.Minute)
	theirs.Acquire(ctx, "lab-b", 2*time.Second, time.Minute)

	cleared, err := mine.ClearAgentLocks(ctx)
	if err != nil {
		t.Fatalf("ClearAgentLocks: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 ghost lock cleared, got %d", cleared)
	}

	locks, err := mine.GetAllLocks(ctx)
	if err != nil {
		t.Fatalf("GetAllLocks: %v", err)
	}
	if len(locks) != 1 || locks[0].LabID != "lab-b" {
		t.Fatalf("expected only lab-b to remain locked, got %+v", locks)
	}
	theirs.ForceRelease(ctx, "lab-b")
}
