// Package config loads the agent's operator-authored configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no override is given on the command line.
const DefaultConfigPath = "/etc/archetyped/config.yaml"

// Config holds every tunable the agent reads at startup. Fields are
// yaml-tagged for the on-disk file. Only AgentID, ListenAddr,
// ControllerURL, RedisAddr, LogLevel and VLANBase can be overridden by
// environment variables (ARCHETYPED_AGENT_ID, ARCHETYPED_LISTEN_ADDR,
// ARCHETYPED_CONTROLLER_URL, ARCHETYPED_REDIS_ADDR, ARCHETYPED_LOG_LEVEL,
// ARCHETYPED_VLAN_BASE); other fields come from the file or defaults.
type Config struct {
	AgentID       string `yaml:"agent_id"`
	ListenAddr    string `yaml:"listen_addr"`
	ControllerURL string `yaml:"controller_url"`

	WorkspaceRoot string `yaml:"workspace_root"`
	BridgeName    string `yaml:"bridge_name"`
	VLANBase      int    `yaml:"vlan_base"`
	VLANMax       int    `yaml:"vlan_max"`
	VNIBase       int    `yaml:"vni_base"`
	VNIMax        int    `yaml:"vni_max"`

	RedisAddr          string `yaml:"redis_addr"`
	RedisDB            int    `yaml:"redis_db"`
	LockTTLSeconds     int    `yaml:"lock_ttl_seconds"`
	LockAcquireSeconds int    `yaml:"lock_acquire_timeout_seconds"`

	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	VXLANOrphanWindowMinutes int `yaml:"vxlan_orphan_window_minutes"`
	CallbackMaxAttempts      int `yaml:"callback_max_attempts"`

	EnableContainerProvider bool `yaml:"enable_container_provider"`
	EnableVMProvider        bool `yaml:"enable_vm_provider"`
	EnableOVSPlugin         bool `yaml:"enable_ovs_plugin"`
	EnableVXLAN             bool `yaml:"enable_vxlan"`

	KindRegistryPath string `yaml:"kind_registry_path"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Defaults returns a Config populated with the agent's baked-in defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:               ":8443",
		WorkspaceRoot:            "/var/lib/archetyped/labs",
		BridgeName:               "archbr0",
		VLANBase:                 100,
		VLANMax:                  4094,
		VNIBase:                  100000,
		VNIMax:                   16777215,
		RedisAddr:                "127.0.0.1:6379",
		RedisDB:                  0,
		LockTTLSeconds:           30,
		LockAcquireSeconds:       60,
		MaxConcurrentJobs:        8,
		HeartbeatIntervalSeconds: 15,
		ReconcileIntervalSeconds: 300,
		VXLANOrphanWindowMinutes: 15,
		CallbackMaxAttempts:      8,
		EnableContainerProvider:  true,
		EnableVMProvider:         false,
		EnableOVSPlugin:          false,
		EnableVXLAN:              true,
		KindRegistryPath:         "/etc/archetyped/vendors.yaml",
		LogLevel:                 "info",
	}
}

// Load reads configuration from path, falling back to defaults for any
// field left unset, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARCHETYPED_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("ARCHETYPED_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ARCHETYPED_CONTROLLER_URL"); v != "" {
		cfg.ControllerURL = v
	}
	if v := os.Getenv("ARCHETYPED_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ARCHETYPED_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARCHETYPED_VLAN_BASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VLANBase = n
		}
	}
}
