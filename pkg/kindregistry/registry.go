// Package kindregistry is the read-only vendor metadata registry consumed
// by the lab orchestrator and both providers. It never changes at runtime;
// entries are loaded once at startup from the agent's kind registry file.
package kindregistry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceType classifies a kind for UI/grouping purposes.
type DeviceType string

const (
	DeviceTypeRouter    DeviceType = "router"
	DeviceTypeSwitch    DeviceType = "switch"
	DeviceTypeFirewall  DeviceType = "firewall"
	DeviceTypeHost      DeviceType = "host"
	DeviceTypeContainer DeviceType = "container"
	DeviceTypeExternal  DeviceType = "external"
)

// ReadinessProbe selects how the lab orchestrator decides a node is ready.
type ReadinessProbe string

const (
	ReadinessNone       ReadinessProbe = "none"
	ReadinessLogPattern ReadinessProbe = "log_pattern"
	ReadinessCLIProbe   ReadinessProbe = "cli_probe"
)

// ConsoleMethod selects how the console endpoint reaches a node.
type ConsoleMethod string

const (
	ConsoleDockerExec ConsoleMethod = "docker_exec"
	ConsoleSSH        ConsoleMethod = "ssh"
	ConsoleVirsh      ConsoleMethod = "virsh"
)

// Kind holds every per-vendor default consumed by the core,
// field-for-field from the original vendor configuration registry.
type Kind struct {
	Kind          string     `yaml:"kind"`
	Vendor        string     `yaml:"vendor"`
	ConsoleShell  string     `yaml:"console_shell"`
	DefaultImage  string     `yaml:"default_image"`
	Notes         string     `yaml:"notes,omitempty"`
	Aliases       []string   `yaml:"aliases,omitempty"`
	DeviceType    DeviceType `yaml:"device_type,omitempty"`
	Label         string     `yaml:"label,omitempty"`
	IsActive      bool       `yaml:"is_active"`

	PortNaming     string `yaml:"port_naming"`
	PortStartIndex int    `yaml:"port_start_index"`
	MaxPorts       int    `yaml:"max_ports"`

	MemoryMB int `yaml:"memory_mb"`
	CPUCores int `yaml:"cpu_cores"`

	// VM (libvirt/QEMU) settings.
	DiskDriver    string `yaml:"disk_driver"`
	NICDriver     string `yaml:"nic_driver"`
	MachineType   string `yaml:"machine_type"`
	DataVolumeGB  int    `yaml:"data_volume_gb"`
	EFIBoot       bool   `yaml:"efi_boot"`
	ForceStop     bool   `yaml:"force_stop"`

	RequiresImage       bool     `yaml:"requires_image"`
	SupportedImageKinds []string `yaml:"supported_image_kinds,omitempty"`

	ReadinessProbe   ReadinessProbe `yaml:"readiness_probe"`
	ReadinessPattern string         `yaml:"readiness_pattern,omitempty"`
	ReadinessTimeoutSeconds int     `yaml:"readiness_timeout_seconds"`

	ConsoleMethod   ConsoleMethod `yaml:"console_method"`
	ConsoleUser     string        `yaml:"console_user,omitempty"`
	ConsolePassword string        `yaml:"console_password,omitempty"`

	ConfigExtractMethod         string `yaml:"config_extract_method,omitempty"`
	ConfigExtractCommand        string `yaml:"config_extract_command,omitempty"`
	ConfigExtractUser           string `yaml:"config_extract_user,omitempty"`
	ConfigExtractPassword       string `yaml:"config_extract_password,omitempty"`
	ConfigExtractEnablePassword string `yaml:"config_extract_enable_password,omitempty"`
	ConfigExtractTimeoutSeconds int    `yaml:"config_extract_timeout_seconds,omitempty"`
	ConfigExtractPromptPattern  string `yaml:"config_extract_prompt_pattern,omitempty"`
	ConfigExtractPagingDisable  string `yaml:"config_extract_paging_disable,omitempty"`

	Environment  map[string]string `yaml:"environment,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
	Privileged   bool              `yaml:"privileged"`
	Binds        []string          `yaml:"binds,omitempty"`
	Entrypoint   string            `yaml:"entrypoint,omitempty"`
	Cmd          []string          `yaml:"cmd,omitempty"`
	NetworkMode  string            `yaml:"network_mode,omitempty"`
	Sysctls      map[string]string `yaml:"sysctls,omitempty"`
	Runtime      string            `yaml:"runtime,omitempty"`

	HostnameTemplate string   `yaml:"hostname_template,omitempty"`
	PostBootCommands []string `yaml:"post_boot_commands,omitempty"`
}

// Registry is the resolved, read-only collection of Kind entries plus the
// alias index, indexed by canonical kind name.
type Registry struct {
	kinds   map[string]*Kind
	aliases map[string]string
}

// Builtin returns the registry's always-available entries: a bare "linux"
// container kind with no vendor quirks. Lookups of any other kind name
// miss; an unknown kind is not mapped to "linux".
func Builtin() *Registry {
	r := &Registry{kinds: map[string]*Kind{}, aliases: map[string]string{}}
	r.add(&Kind{
		Kind:                "linux",
		Vendor:              "generic",
		ConsoleShell:        "/bin/sh",
		DefaultImage:        "alpine:latest",
		DeviceType:          DeviceTypeHost,
		IsActive:            true,
		PortNaming:          "eth",
		PortStartIndex:      1,
		MaxPorts:            16,
		MemoryMB:            256,
		CPUCores:            1,
		RequiresImage:       true,
		SupportedImageKinds: []string{"docker"},
		ReadinessProbe:      ReadinessNone,
		ConsoleMethod:       ConsoleDockerExec,
		Capabilities:        []string{"NET_ADMIN"},
		NetworkMode:         "none",
		HostnameTemplate:    "{node}",
	})
	return r
}

// Load reads a YAML document of kind entries from path and merges them
// over the builtin set. A missing file is not an error: the agent falls
// back to builtins only.
func Load(path string) (*Registry, error) {
	r := Builtin()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("kindregistry: read %s: %w", path, err)
	}

	var doc struct {
		Kinds []*Kind `yaml:"kinds"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("kindregistry: parse %s: %w", path, err)
	}
	for _, k := range doc.Kinds {
		r.add(k)
	}
	return r, nil
}

func (r *Registry) add(k *Kind) {
	if k.PortNaming == "" {
		k.PortNaming = "eth"
	}
	if k.MaxPorts == 0 {
		k.MaxPorts = 8
	}
	if k.HostnameTemplate == "" {
		k.HostnameTemplate = "{node}"
	}
	if k.ReadinessProbe == "" {
		k.ReadinessProbe = ReadinessNone
	}
	if k.ReadinessTimeoutSeconds == 0 {
		k.ReadinessTimeoutSeconds = 120
	}
	if k.ConsoleMethod == "" {
		k.ConsoleMethod = ConsoleDockerExec
	}
	r.kinds[k.Kind] = k
	for _, alias := range k.Aliases {
		r.aliases[strings.ToLower(alias)] = k.Kind
	}
}

// Get resolves a kind name (or alias) to its Kind entry.
func (r *Registry) Get(name string) (*Kind, bool) {
	if k, ok := r.kinds[name]; ok {
		return k, true
	}
	if canonical, ok := r.aliases[strings.ToLower(name)]; ok {
		return r.kinds[canonical], true
	}
	return nil, false
}

// List returns every registered kind, sorted by name for deterministic
// output.
func (r *Registry) List() []*Kind {
	out := make([]*Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
