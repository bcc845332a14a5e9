package container

import (
	"testing"

	"github.com/docker/docker/api/types"

	"github.com/archetype-iac/archetyped/pkg/kindregistry"
	"github.com/archetype-iac/archetyped/pkg/provider"
)

func TestBuildEnv(t *testing.T) {
	linux, _ := kindregistry.Builtin().Get("linux")

	env := buildEnv(provider.NodeSpec{
		Name:           "r1",
		InterfaceCount: 4,
		Environment:    map[string]string{"INTFTYPE": "eth"},
	}, linux)

	want := map[string]bool{
		"ARCHETYPE_INTERFACE_COUNT=4": false,
		"INTFTYPE=eth":                false,
	}
	for _, e := range env {
		if _, ok := want[e]; ok {
			want[e] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("env missing %q (got %v)", k, env)
		}
	}

	// nil kind must not panic and still sets the interface count.
	env = buildEnv(provider.NodeSpec{InterfaceCount: 1}, nil)
	if len(env) != 1 || env[0] != "ARCHETYPE_INTERFACE_COUNT=1" {
		t.Fatalf("unexpected env for nil kind: %v", env)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
	if got := orDefault("set", "fallback"); got != "set" {
		t.Fatalf("got %q", got)
	}
}

func TestDockerStateToStatus(t *testing.T) {
	tests := []struct {
		name  string
		state *types.ContainerState
		want  provider.NodeStatus
	}{
		{"nil", nil, provider.StatusUnknown},
		{"running", &types.ContainerState{Running: true}, provider.StatusRunning},
		{"paused", &types.ContainerState{Paused: true}, provider.StatusStopping},
		{"oom", &types.ContainerState{OOMKilled: true}, provider.StatusError},
		{"dead", &types.ContainerState{Dead: true}, provider.StatusError},
		{"exited", &types.ContainerState{}, provider.StatusStopped},
	}
	for _, tt := range tests {
		if got := dockerStateToStatus(tt.state); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
