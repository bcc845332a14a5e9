package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsBakesInOperationalKnobs(t *testing.T) {
	cfg := Defaults()
	if cfg.VLANBase != 100 {
		t.Fatalf("expected default VLAN base 100, got %d", cfg.VLANBase)
	}
	if cfg.BridgeName == "" {
		t.Fatalf("expected default bridge name to be set")
	}
	if cfg.LockTTLSeconds <= 0 {
		t.Fatalf("expected positive default lock TTL")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should not error: %v", err)
	}
	if cfg.VLANBase != Defaults().VLANBase {
		t.Fatalf("expected defaults when file missing")
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "vlan_base: 200\nbridge_name: testbr0\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VLANBase != 200 {
		t.Fatalf("expected vlan_base overridden to 200, got %d", cfg.VLANBase)
	}
	if cfg.BridgeName != "testbr0" {
		t.Fatalf("expected bridge_name overridden, got %q", cfg.BridgeName)
	}
	// Unset fields should retain baked-in defaults.
	if cfg.LockTTLSeconds != Defaults().LockTTLSeconds {
		t.Fatalf("expected unset fields to retain defaults")
	}
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("vlan_base: [this is not an int"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("ARCHETYPED_VLAN_BASE", "500")
	t.Setenv("ARCHETYPED_AGENT_ID", "agent-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VLANBase != 500 {
		t.Fatalf("expected env override of vlan_base to 500, got %d", cfg.VLANBase)
	}
	if cfg.AgentID != "agent-env" {
		t.Fatalf("expected env override of agent_id, got %q", cfg.AgentID)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Defaults()
	cfg.AgentID = "agent-123"
	cfg.BridgeName = "archbr1"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.AgentID != "agent-123" || reloaded.BridgeName != "archbr1" {
		t.Fatalf("round trip mismatch: %+v", reloaded)
	}
}
