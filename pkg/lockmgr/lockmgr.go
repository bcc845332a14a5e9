// Package lockmgr implements the agent's distributed per-lab lock,
// backed by Redis. It serializes deploy/destroy
// operations for one lab within this agent and recovers cleanly if the
// agent process dies mid-operation.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/archetype-iac/archetyped/pkg/util"
)

const keyPrefix = "deploy-lock:"

// releaseScript deletes the lock key only if it is still owned by the
// caller, so a lock whose TTL already expired and was re-acquired by
// someone else is never deleted out from under them.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// LockAcquisitionTimeout is returned when acquire polls past its deadline.
type LockAcquisitionTimeout struct {
	LabID string
}

func (e *LockAcquisitionTimeout) Error() string {
	return fmt.Sprintf("timed out acquiring lock for lab %s", e.LabID)
}

// LockInfo describes a currently-held lock, used by get_all_locks.
type LockInfo struct {
	LabID string
	Owner string
	TTL   time.Duration
}

// Manager is the interface the rest of the agent depends on. Both the
// Redis-backed implementation and the no-op fallback satisfy it; when
// Redis is unreachable at startup the no-op fallback is installed.
type Manager interface {
	Acquire(ctx context.Context, labID string, acquireTimeout, ttl time.Duration) error
	AcquireWithHeartbeat(ctx context.Context, labID string, acquireTimeout, extendInterval time.Duration) (release func(), err error)
	ForceRelease(ctx context.Context, labID string) error
	GetAllLocks(ctx context.Context) ([]LockInfo, error)
	ClearAgentLocks(ctx context.Context) (int, error)
}

// RedisManager is the production Manager.
type RedisManager struct {
	client  *redis.Client
	agentID string
}

// New constructs a RedisManager against addr/db. The client holds its
// own connection options; no connection is attempted until first use.
func New(addr string, db int, agentID string) *RedisManager {
	return &RedisManager{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		agentID: agentID,
	}
}

// Ping verifies the Redis connection is reachable, used at startup to
// decide whether to fall back to NoopManager.
func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisManager) key(labID string) string {
	return keyPrefix + labID
}

// Acquire attempts a SET NX EX, polling with bounded backoff until
// acquireTimeout elapses.
func (m *RedisManager) Acquire(ctx context.Context, labID string, acquireTimeout, ttl time.Duration) error {
	deadline := time.Now().Add(acquireTimeout)
	backoff := 50 * time.Millisecond
	const maxBackoff = 1 * time.Second

	for {
		ok, err := m.client.SetNX(ctx, m.key(labID), m.agentID, ttl).Result()
		if err != nil {
			return fmt.Errorf("lockmgr: acquire %s: %w", labID, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &LockAcquisitionTimeout{LabID: labID}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// AcquireWithHeartbeat acquires the lock and starts a background extender
// that re-sets the TTL every extendInterval for as long as the returned
// release function has not been called. extendInterval should be chosen
// at most TTL/3 by the caller.
func (m *RedisManager) AcquireWithHeartbeat(ctx context.Context, labID string, acquireTimeout, extendInterval time.Duration) (func(), error) {
	ttl := extendInterval * 3
	if err := m.Acquire(ctx, labID, acquireTimeout, ttl); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(extendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				extendCtx, cancel := context.WithTimeout(context.Background(), extendInterval)
				if err := m.client.Expire(extendCtx, m.key(labID), ttl).Err(); err != nil {
					util.WithLab(labID).WithError(err).Warn("lockmgr: heartbeat extend failed")
				}
				cancel()
			}
		}
	}()

	var released bool
	release := func() {
		if released {
			return
		}
		released = true
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.client.Eval(releaseCtx, releaseScript, []string{m.key(labID)}, m.agentID).Err(); err != nil {
			util.WithLab(labID).WithError(err).Warn("lockmgr: release failed")
		}
	}
	return release, nil
}

// ForceRelease unconditionally deletes the lock (admin escape hatch).
func (m *RedisManager) ForceRelease(ctx context.Context, labID string) error {
	return m.client.Del(ctx, m.key(labID)).Err()
}

// GetAllLocks enumerates every deploy-lock:* key and its remaining TTL.
func (m *RedisManager) GetAllLocks(ctx context.Context) ([]LockInfo, error) {
	keys, err := m.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("lockmgr: list locks: %w", err)
	}
	out := make([]LockInfo, 0, len(keys))
	for _, k := range keys {
		owner, err := m.client.Get(ctx, k).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}
		ttl, _ := m.client.TTL(ctx, k).Result()
		out = append(out, LockInfo{
			LabID: k[len(keyPrefix):],
			Owner: owner,
			TTL:   ttl,
		})
	}
	return out, nil
}

// ClearAgentLocks deletes any lock owned by this agent's id. Called once
// at startup: the prior agent process died holding some locks and its
// ghost locks would otherwise block the new instance until TTL expiry.
func (m *RedisManager) ClearAgentLocks(ctx context.Context) (int, error) {
	locks, err := m.GetAllLocks(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, l := range locks {
		if l.Owner != m.agentID {
			continue
		}
		if err := m.client.Del(ctx, m.key(l.LabID)).Err(); err != nil {
			util.WithLab(l.LabID).WithError(err).Warn("lockmgr: failed clearing ghost lock")
			continue
		}
		cleared++
	}
	return cleared, nil
}

// Close releases the underlying Redis connection.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

// NoopManager is installed when Redis is unreachable at startup. The
// agent keeps functioning without cross-process safety; within the
// process it records held labs in a mutex-guarded set, and an Acquire for
// a lab already held fails at once with LockAcquisitionTimeout, so a
// single agent instance never runs two deploys for the same lab
// concurrently.
type NoopManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewNoop constructs a NoopManager.
func NewNoop() *NoopManager {
	return &NoopManager{held: make(map[string]bool)}
}

func (n *NoopManager) Acquire(ctx context.Context, labID string, acquireTimeout, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.held[labID] {
		return &LockAcquisitionTimeout{LabID: labID}
	}
	n.held[labID] = true
	return nil
}

func (n *NoopManager) AcquireWithHeartbeat(ctx context.Context, labID string, acquireTimeout, extendInterval time.Duration) (func(), error) {
	if err := n.Acquire(ctx, labID, acquireTimeout, 0); err != nil {
		return nil, err
	}
	return func() {
		n.mu.Lock()
		delete(n.held, labID)
		n.mu.Unlock()
	}, nil
}

func (n *NoopManager) ForceRelease(ctx context.Context, labID string) error {
	n.mu.Lock()
	delete(n.held, labID)
	n.mu.Unlock()
	return nil
}

func (n *NoopManager) GetAllLocks(ctx context.Context) ([]LockInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LockInfo, 0, len(n.held))
	for labID := range n.held {
		out = append(out, LockInfo{LabID: labID, Owner: "local"})
	}
	return out, nil
}

func (n *NoopManager) ClearAgentLocks(ctx context.Context) (int, error) {
	return 0, nil
}
