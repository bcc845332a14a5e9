//go:build integration

// Package testutil provides the Redis dial-or-skip helper shared by
// integration tests that need a real Redis instance (pkg/lockmgr): resolve
// an address, skip cleanly when nothing is reachable, never fail the whole
// test run just because no Redis is running locally.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisAddr returns the address of the test Redis instance. It first
// checks ARCHETYPED_TEST_REDIS_ADDR, then falls back to discovering a
// local "archetyped-test-redis" Docker container's IP.
func RedisAddr() string {
	if addr := os.Getenv("ARCHETYPED_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	ip := redisContainerIP()
	if ip == "" {
		return ""
	}
	return ip + ":6379"
}

func redisContainerIP() string {
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"archetyped-test-redis").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoRedis skips the test if no reachable test Redis instance can be
// found.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set ARCHETYPED_TEST_REDIS_ADDR or run a local redis container named archetyped-test-redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

// FlushDB flushes a specific Redis database, used to reset lock state
// between test cases that share the same Redis instance.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}
