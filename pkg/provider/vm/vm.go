// Package vm implements the libvirt/QEMU Provider backend, driving virsh
// as a subprocess rather than linking cgo libvirt bindings.
package vm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/archetype-iac/archetyped/pkg/kindregistry"
	"github.com/archetype-iac/archetyped/pkg/provider"
	"github.com/archetype-iac/archetyped/pkg/util"
)

const defaultURI = "qemu:///system"

// Provider is the virsh-backed VM Provider.
type Provider struct {
	provider.UnimplementedProvider
	uri    string
	bridge string
	kinds  *kindregistry.Registry

	mu       sync.Mutex
	macSeeds map[string]int // labID -> next MAC suffix counter, for determinism within a lab
}

// New constructs a VM provider that drives virsh against uri (defaults to
// qemu:///system) and wires VM NICs onto bridge.
func New(uri, bridge string, kinds *kindregistry.Registry) *Provider {
	if uri == "" {
		uri = defaultURI
	}
	return &Provider{
		UnimplementedProvider: provider.UnimplementedProvider{ProviderName: "libvirt"},
		uri:                   uri,
		bridge:                bridge,
		kinds:                 kinds,
		macSeeds:              make(map[string]int),
	}
}

func (p *Provider) Name() string { return "libvirt" }

func (p *Provider) Capabilities() []string {
	return []string{"deploy", "destroy", "status", "node_actions", "console"}
}

func (p *Provider) virsh(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-c", p.uri}, args...)
	cmd := exec.CommandContext(ctx, "virsh", full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Deploy defines and starts every VM node in topo sequentially (libvirt
// domain definition is not safely parallelizable against a single
// connection).
func (p *Provider) Deploy(ctx context.Context, labID string, topo provider.Topology, workspace string) (provider.DeployResult, error) {
	if err := provider.SanitizeLabID(labID); err != nil {
		return provider.DeployResult{}, err
	}

	out := provider.DeployResult{Success: true}
	for _, n := range topo.Nodes {
		res, err := p.CreateNode(ctx, labID, n, workspace)
		if err != nil {
			res.Error = err.Error()
		}
		if res.Success {
			if startRes, startErr := p.StartNode(ctx, labID, n.Name, workspace); startErr != nil || !startRes.Success {
				res.Success = false
				res.Error = startRes.Error
			}
		}
		if !res.Success {
			out.Success = false
			out.Error = fmt.Sprintf("node %s: %s", n.Name, res.Error)
		}
		out.Nodes = append(out.Nodes, provider.NodeInfo{Name: n.Name, Status: res.NewStatus, Error: res.Error})
	}
	return out, nil
}

// CreateNode prepares a stateful overlay boot disk from the kind's base
// image, verifies its integrity, and defines (but does not start) the
// libvirt domain.
func (p *Provider) CreateNode(ctx context.Context, labID string, n provider.NodeSpec, workspace string) (provider.NodeActionResult, error) {
	if err := provider.SanitizeLabID(labID); err != nil {
		return provider.NodeActionResult{}, err
	}

	kind, _ := p.kinds.Get(n.Kind)
	baseImage := n.Image
	if baseImage == "" && kind != nil {
		baseImage = kind.DefaultImage
	}
	if baseImage == "" {
		return provider.NodeActionResult{NodeName: n.Name}, util.ErrImageMissing
	}

	if err := verifyImageIntegrity(ctx, baseImage); err != nil {
		return provider.NodeActionResult{NodeName: n.Name, Error: err.Error()}, fmt.Errorf("vm: boot disk integrity check for %s: %w", n.Name, err)
	}

	domainName := provider.ContainerName(labID, n.Name)
	diskPath := provider.WorkspacePath(workspace, n.Name, "disk.qcow2")
	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		return provider.NodeActionResult{NodeName: n.Name}, err
	}

	if err := createOverlayDisk(ctx, baseImage, diskPath); err != nil {
		return provider.NodeActionResult{NodeName: n.Name, Error: err.Error()}, err
	}

	memoryMB := n.MemoryMB
	cpuCores := n.CPUCores
	diskGB := 0
	efiBoot := false
	if kind != nil {
		if memoryMB == 0 {
			memoryMB = kind.MemoryMB
		}
		if cpuCores == 0 {
			cpuCores = kind.CPUCores
		}
		diskGB = kind.DataVolumeGB
		efiBoot = kind.EFIBoot
	}
	if memoryMB == 0 {
		memoryMB = 1024
	}
	if cpuCores == 0 {
		cpuCores = 1
	}

	if diskGB > 0 {
		dataDiskPath := provider.WorkspacePath(workspace, n.Name, "data.qcow2")
		if err := createBlankDisk(ctx, dataDiskPath, diskGB); err != nil {
			return provider.NodeActionResult{NodeName: n.Name, Error: err.Error()}, err
		}
	}

	consoleLog := provider.WorkspacePath(workspace, n.Name, "console.log")

	ifaceCount := n.InterfaceCount
	if kind != nil && kind.MaxPorts > ifaceCount {
		ifaceCount = kind.MaxPorts
	}
	if ifaceCount <= 0 {
		ifaceCount = 1
	}
	ifaces := make([]domainIface, ifaceCount)
	for i := range ifaces {
		ifaces[i] = domainIface{Index: i, MACAddress: p.allocateMAC(domainName, i)}
		if tag, ok := n.InterfaceVLANs[i]; ok {
			ifaces[i].VLANTag = tag
		}
	}

	spec := domainSpec{
		Name:         domainName,
		UUID:         domainUUID(domainName),
		MemoryMB:     memoryMB,
		VCPU:         cpuCores,
		DiskPath:     diskPath,
		DataDiskPath: diskPathOrEmpty(diskGB, provider.WorkspacePath(workspace, n.Name, "data.qcow2")),
		Bridge:       p.bridge,
		ConsoleLog:   consoleLog,
		EFIBoot:      efiBoot,
		LabID:        labID,
		NodeName:     n.Name,
		Interfaces:   ifaces,
	}

	xmlDoc, err := renderDomainXML(spec)
	if err != nil {
		return provider.NodeActionResult{NodeName: n.Name}, err
	}

	xmlPath := provider.WorkspacePath(workspace, n.Name, "domain.xml")
	if err := os.WriteFile(xmlPath, []byte(xmlDoc), 0o644); err != nil {
		return provider.NodeActionResult{NodeName: n.Name}, err
	}

	if out, err := p.virsh(ctx, "define", xmlPath); err != nil {
		return provider.NodeActionResult{NodeName: n.Name, Error: out}, fmt.Errorf("vm: define %s: %w: %s", domainName, err, out)
	}

	return provider.NodeActionResult{Success: true, NodeName: n.Name, NewStatus: provider.StatusPending}, nil
}

// allocateMAC derives a deterministic QEMU-OUI MAC from (domain_name,
// index) so interface identity survives domain redefinition.
func (p *Provider) allocateMAC(domainName string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", domainName, index)))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

func domainUUID(name string) string {
	sum := sha256.Sum256([]byte(name))
	hexStr := hex.EncodeToString(sum[:16])
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexStr[0:8], hexStr[8:12], hexStr[12:16], hexStr[16:20], hexStr[20:32])
}

func diskPathOrEmpty(sizeGB int, path string) string {
	if sizeGB <= 0 {
		return ""
	}
	return path
}

// SetInterfaceVLAN live-updates the VLAN tag of one NIC on an already
// running domain via virsh update-device, and persists the change to the
// domain's on-disk definition so it survives a future redefine. This is
// how the lab orchestrator hands a VM endpoint its OVS-allocated VLAN tag
// once the node is up, mirroring the container provider's veth-then-tag
// ordering with a libvirt-native mechanism instead of a host-side veth.
func (p *Provider) SetInterfaceVLAN(ctx context.Context, labID, nodeName string, ifaceIndex, tag int) error {
	name := provider.ContainerName(labID, nodeName)
	mac := p.allocateMAC(name, ifaceIndex)
	snippet := fmt.Sprintf(`<interface type='bridge'>
  <mac address='%s'/>
  <source bridge='%s'/>
  %s
  <model type='virtio'/>
</interface>`, mac, p.bridge, vlanElement(tag))

	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("archetyped-iface-%s-%d.xml", name, ifaceIndex))
	if err := os.WriteFile(tmpPath, []byte(snippet), 0o644); err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if out, err := p.virsh(ctx, "update-device", name, tmpPath, "--live", "--config"); err != nil {
		return fmt.Errorf("vm: update-device %s iface %d: %w: %s", name, ifaceIndex, err, out)
	}
	return nil
}

func vlanElement(tag int) string {
	if tag == 0 {
		return ""
	}
	return fmt.Sprintf("<vlan><tag id='%d'/></vlan>", tag)
}

// StartNode starts a previously-defined, stopped domain.
func (p *Provider) StartNode(ctx context.Context, labID, nodeName, workspace string) (provider.NodeActionResult, error) {
	name := provider.ContainerName(labID, nodeName)
	if out, err := p.virsh(ctx, "start", name); err != nil {
		return provider.NodeActionResult{NodeName: nodeName, Error: out}, fmt.Errorf("vm: start %s: %w: %s", name, err, out)
	}
	return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusRunning}, nil
}

// StopNode gracefully shuts down a domain, falling back to destroy when
// the shutdown command itself fails; it does not wait for the domain to
// power off.
func (p *Provider) StopNode(ctx context.Context, labID, nodeName, workspace string) (provider.NodeActionResult, error) {
	name := provider.ContainerName(labID, nodeName)
	if _, err := p.virsh(ctx, "shutdown", name); err != nil {
		if out, destroyErr := p.virsh(ctx, "destroy", name); destroyErr != nil {
			return provider.NodeActionResult{NodeName: nodeName, Error: out}, fmt.Errorf("vm: stop %s: %w: %s", name, destroyErr, out)
		}
	}
	return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusStopped}, nil
}

// DestroyNode force-stops and undefines one domain and its disks.
func (p *Provider) DestroyNode(ctx context.Context, labID, nodeName, workspace string) (provider.NodeActionResult, error) {
	name := provider.ContainerName(labID, nodeName)
	p.virsh(ctx, "destroy", name)
	out, err := p.virsh(ctx, "undefine", name, "--nvram")
	if err != nil && !strings.Contains(out, "Domain not found") {
		return provider.NodeActionResult{NodeName: nodeName, Error: out}, fmt.Errorf("vm: undefine %s: %w: %s", name, err, out)
	}
	os.Remove(provider.WorkspacePath(workspace, nodeName, "disk.qcow2"))
	os.Remove(provider.WorkspacePath(workspace, nodeName, "data.qcow2"))
	return provider.NodeActionResult{Success: true, NodeName: nodeName, NewStatus: provider.StatusStopped}, nil
}

// Destroy tears down every domain belonging to labID, best-effort.
func (p *Provider) Destroy(ctx context.Context, labID string, workspace string) (provider.DestroyResult, error) {
	names, err := p.listLabDomains(ctx, labID)
	if err != nil {
		return provider.DestroyResult{Error: err.Error()}, err
	}

	var errs []string
	for _, name := range names {
		p.virsh(ctx, "destroy", name)
		if out, err := p.virsh(ctx, "undefine", name, "--nvram"); err != nil && !strings.Contains(out, "not found") {
			errs = append(errs, out)
		}
	}
	if len(errs) > 0 {
		return provider.DestroyResult{Success: false, Error: fmt.Sprintf("%d errors during destroy: %v", len(errs), errs)}, nil
	}
	return provider.DestroyResult{Success: true}, nil
}

// Status reports domstate for every domain belonging to labID.
func (p *Provider) Status(ctx context.Context, labID string, workspace string) (provider.StatusResult, error) {
	names, err := p.listLabDomains(ctx, labID)
	if err != nil {
		return provider.StatusResult{Error: err.Error()}, err
	}
	if len(names) == 0 {
		return provider.StatusResult{LabExists: false}, nil
	}

	var nodes []provider.NodeInfo
	for _, name := range names {
		status := p.domState(ctx, name)
		nodes = append(nodes, provider.NodeInfo{Name: nodeNameFromDomain(labID, name), Status: status})
	}
	return provider.StatusResult{LabExists: true, Nodes: nodes}, nil
}

func (p *Provider) domState(ctx context.Context, name string) provider.NodeStatus {
	out, err := p.virsh(ctx, "domstate", name)
	if err != nil {
		return provider.StatusUnknown
	}
	switch strings.TrimSpace(out) {
	case "running":
		return provider.StatusRunning
	case "paused":
		return provider.StatusStopping
	case "shut off":
		return provider.StatusStopped
	case "crashed":
		return provider.StatusError
	default:
		return provider.StatusUnknown
	}
}

func (p *Provider) listLabDomains(ctx context.Context, labID string) ([]string, error) {
	out, err := p.virsh(ctx, "list", "--all", "--name")
	if err != nil {
		return nil, fmt.Errorf("vm: list domains: %w: %s", err, out)
	}
	prefix := "archetype-" + labID + "-"
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func nodeNameFromDomain(labID, domainName string) string {
	return strings.TrimPrefix(domainName, "archetype-"+labID+"-")
}

// GetConsoleCommand returns a virsh console invocation for ssh/virsh
// console_method kinds.
func (p *Provider) GetConsoleCommand(ctx context.Context, labID, nodeName, workspace string) ([]string, error) {
	name := provider.ContainerName(labID, nodeName)
	return []string{"virsh", "-c", p.uri, "console", name}, nil
}

// DiscoverLabs groups every archetype-prefixed domain by lab_id.
func (p *Provider) DiscoverLabs(ctx context.Context) (map[string][]provider.NodeInfo, error) {
	out, err := p.virsh(ctx, "list", "--all", "--name")
	if err != nil {
		return nil, fmt.Errorf("vm: list domains: %w: %s", err, out)
	}

	result := make(map[string][]provider.NodeInfo)
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if !strings.HasPrefix(name, "archetype-") {
			continue
		}
		rest := strings.TrimPrefix(name, "archetype-")
		parts := strings.SplitN(rest, "-", 2)
		if len(parts) != 2 {
			continue
		}
		labID, nodeName := parts[0], parts[1]
		result[labID] = append(result[labID], provider.NodeInfo{Name: nodeName, Status: p.domState(ctx, name)})
	}
	return result, nil
}

// CleanupOrphanResources destroys and undefines domains whose lab_id is
// not in validLabIDs, matching the container provider's behavior.
func (p *Provider) CleanupOrphanResources(ctx context.Context, validLabIDs map[string]bool, workspaceBase string) (map[string][]string, error) {
	labs, err := p.DiscoverLabs(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for labID, nodes := range labs {
		if validLabIDs[labID] {
			continue
		}
		for _, n := range nodes {
			name := provider.ContainerName(labID, n.Name)
			p.virsh(ctx, "destroy", name)
			if _, err := p.virsh(ctx, "undefine", name, "--nvram"); err == nil {
				removed = append(removed, name)
			}
		}
	}
	return map[string][]string{"domains": removed}, nil
}

// verifyImageIntegrity reads the image's stored SHA256 sidecar (if
// present) and recomputes the digest, re-opening and re-hashing the file
// once if the first digest does not match. This guards against
// silently booting a partially-synced base image after a host crash.
func verifyImageIntegrity(ctx context.Context, imagePath string) error {
	sumPath := imagePath + ".sha256"
	expected, err := os.ReadFile(sumPath)
	if err != nil {
		return nil // no sidecar published for this image, nothing to verify
	}
	want := strings.Fields(string(expected))[0]

	got, err := hashFile(imagePath)
	if err != nil {
		return fmt.Errorf("hash %s: %w", imagePath, err)
	}
	if got == want {
		return nil
	}

	// Retry once: the first read may have raced a concurrent fsync from an
	// in-progress image receive. Re-open and re-hash before failing.
	got, err = hashFile(imagePath)
	if err != nil {
		return fmt.Errorf("hash %s (retry): %w", imagePath, err)
	}
	if got != want {
		return fmt.Errorf("%w: %s expected %s got %s", util.ErrIntegrityFailure, imagePath, want, got)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func createOverlayDisk(ctx context.Context, basePath, overlayPath string) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", basePath, overlayPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("vm: create overlay %s: %w: %s", overlayPath, err, string(out))
	}
	return nil
}

func createBlankDisk(ctx context.Context, path string, sizeGB int) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", path, strconv.Itoa(sizeGB)+"G")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("vm: create data disk %s: %w: %s", path, err, string(out))
	}
	return nil
}

// domainIface is one data-plane NIC, bridged directly into the shared
// OVS bridge with its own <vlan><tag id=T/></vlan> element, one per
// data NIC. VLANTag is 0 until the lab
// orchestrator's OVS wiring pass assigns one; a zero tag renders without
// a <vlan> element, leaving the NIC on the bridge's native VLAN.
type domainIface struct {
	Index      int
	MACAddress string
	VLANTag    int
}

type domainSpec struct {
	Name         string
	UUID         string
	MemoryMB     int
	VCPU         int
	DiskPath     string
	DataDiskPath string
	Bridge       string
	ConsoleLog   string
	EFIBoot      bool
	LabID        string
	NodeName     string
	Interfaces   []domainIface
}

// domainXMLTemplate encodes the fixed domain-configuration decisions:
// cache=none/io=native/discard=unmap on every disk,
// memballoon disabled, virtio-rng, host-passthrough CPU, a logged serial
// console, and an Archetype metadata namespace carrying lab/node
// identity for recovery scans.
const domainXMLTemplate = `<domain type='kvm'>
  <name>{{.Name}}</name>
  <uuid>{{.UUID}}</uuid>
  <metadata>
    <archetype:lab xmlns:archetype="https://archetype-iac.dev/xmlns/domain">
      <archetype:lab_id>{{.LabID}}</archetype:lab_id>
      <archetype:node_name>{{.NodeName}}</archetype:node_name>
    </archetype:lab>
  </metadata>
  <memory unit='MiB'>{{.MemoryMB}}</memory>
  <vcpu placement='static'>{{.VCPU}}</vcpu>
  <os>
    <type arch='x86_64' machine='q35'>hvm</type>
    {{if .EFIBoot}}<loader readonly='yes' type='pflash'>/usr/share/OVMF/OVMF_CODE.fd</loader>{{end}}
    <boot dev='hd'/>
  </os>
  <features>
    <acpi/>
    <apic/>
  </features>
  <cpu mode='host-passthrough' check='none'/>
  <clock offset='utc'/>
  <on_poweroff>destroy</on_poweroff>
  <on_reboot>restart</on_reboot>
  <on_crash>destroy</on_crash>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2' cache='none' io='native' discard='unmap'/>
      <source file='{{.DiskPath}}'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    {{if .DataDiskPath}}<disk type='file' device='disk'>
      <driver name='qemu' type='qcow2' cache='none' io='native' discard='unmap'/>
      <source file='{{.DataDiskPath}}'/>
      <target dev='vdb' bus='virtio'/>
    </disk>{{end}}
    {{$bridge := .Bridge}}{{range .Interfaces}}<interface type='bridge'>
      <mac address='{{.MACAddress}}'/>
      <source bridge='{{$bridge}}'/>
      {{if .VLANTag}}<vlan><tag id='{{.VLANTag}}'/></vlan>{{end}}
      <model type='virtio'/>
      <alias name='net{{.Index}}'/>
    </interface>{{end}}
    <rng model='virtio'>
      <backend model='random'>/dev/urandom</backend>
    </rng>
    <memballoon model='none'/>
    <serial type='file'>
      <source path='{{.ConsoleLog}}'/>
      <target port='0'/>
    </serial>
    <console type='file'>
      <source path='{{.ConsoleLog}}'/>
      <target type='serial' port='0'/>
    </console>
  </devices>
</domain>
`

var domainTmpl = template.Must(template.New("domain").Parse(domainXMLTemplate))

func renderDomainXML(spec domainSpec) (string, error) {
	var buf bytes.Buffer
	if err := domainTmpl.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("vm: render domain xml: %w", err)
	}
	return buf.String(), nil
}
