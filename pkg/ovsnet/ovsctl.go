package ovsnet

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/archetype-iac/archetyped/pkg/util"
)

// portNamePattern matches the characters we will ever pass as an OVS port,
// interface, or bridge name. Anything outside this set is rejected before
// any ovs-vsctl invocation reaches a shell.
var portNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,15}$`)

// ValidatePortName rejects names containing shell metacharacters or
// exceeding the 15-byte kernel interface-name limit.
func ValidatePortName(name string) error {
	if !portNamePattern.MatchString(name) {
		return util.NewValidationError(fmt.Sprintf("invalid port name %q: must be 1-15 chars of [a-zA-Z0-9_.-]", name))
	}
	return nil
}

const defaultOVSTimeout = 10 * time.Second

// vsctl runs a single ovs-vsctl invocation with a bounded timeout so a
// wedged vswitchd cannot stall a deploy indefinitely.
func vsctl(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOVSTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ovs-vsctl", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ovs-vsctl %v: %w: %s", args, err, stderr.String())
	}
	return stdout.String(), nil
}

// Transaction accumulates a sequence of ovs-vsctl sub-commands to be
// issued as one atomic composite transaction (separated by `--`), so
// multi-port swaps are never observable half-applied.
type Transaction struct {
	args []string
}

// NewTransaction starts an empty composite transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Then appends one sub-command's arguments to the transaction.
func (t *Transaction) Then(args ...string) *Transaction {
	if len(t.args) > 0 {
		t.args = append(t.args, "--")
	}
	t.args = append(t.args, args...)
	return t
}

// Run executes the accumulated transaction as a single ovs-vsctl call.
func (t *Transaction) Run(ctx context.Context) (string, error) {
	if len(t.args) == 0 {
		return "", nil
	}
	return vsctl(ctx, t.args...)
}

// EnsureBridge creates bridge if it does not already exist.
func EnsureBridge(ctx context.Context, bridge string) error {
	if err := ValidatePortName(bridge); err != nil {
		return err
	}
	_, err := vsctl(ctx, "--may-exist", "add-br", bridge)
	return err
}

// AddPort attaches port to bridge with the given VLAN tag and
// external-ids, in one atomic call.
func AddPort(ctx context.Context, bridge, port string, tag int, externalIDs map[string]string) error {
	if err := ValidatePortName(bridge); err != nil {
		return err
	}
	if err := ValidatePortName(port); err != nil {
		return err
	}
	args := []string{"--may-exist", "add-port", bridge, port, "--", "set", "port", port, fmt.Sprintf("tag=%d", tag)}
	for k, v := range externalIDs {
		args = append(args, "--", "set", "port", port, fmt.Sprintf("external-ids:%s=%s", k, v))
	}
	_, err := vsctl(ctx, args...)
	return err
}

// DelPort removes port from bridge (best-effort: --if-exists).
func DelPort(ctx context.Context, bridge, port string) error {
	if err := ValidatePortName(port); err != nil {
		return err
	}
	_, err := vsctl(ctx, "--if-exists", "del-port", bridge, port)
	return err
}

// SetTag atomically retags an existing port.
func SetTag(ctx context.Context, port string, tag int) error {
	if err := ValidatePortName(port); err != nil {
		return err
	}
	_, err := vsctl(ctx, "set", "port", port, fmt.Sprintf("tag=%d", tag))
	return err
}

// AddVXLANPort configures a port as an access-mode VXLAN interface
// with the given remote IP, VNI key and VLAN tag, all in one composite
// transaction.
func AddVXLANPort(ctx context.Context, bridge, port, remoteIP string, vni, tag int, externalIDs map[string]string) error {
	if err := ValidatePortName(bridge); err != nil {
		return err
	}
	if err := ValidatePortName(port); err != nil {
		return err
	}
	tx := NewTransaction().
		Then("--may-exist", "add-port", bridge, port).
		Then("set", "interface", port, "type=vxlan",
			fmt.Sprintf("options:remote_ip=%s", remoteIP),
			fmt.Sprintf("options:key=%d", vni)).
		Then("set", "port", port, fmt.Sprintf("tag=%d", tag))
	for k, v := range externalIDs {
		tx.Then("set", "port", port, fmt.Sprintf("external-ids:%s=%s", k, v))
	}
	_, err := tx.Run(ctx)
	return err
}

// AddTrunkVXLAN creates a trunk-mode VXLAN interface (a VTEP) with no tag,
// per VTEP definition.
func AddTrunkVXLAN(ctx context.Context, bridge, port, remoteIP string, vni int, externalIDs map[string]string) error {
	if err := ValidatePortName(bridge); err != nil {
		return err
	}
	if err := ValidatePortName(port); err != nil {
		return err
	}
	tx := NewTransaction().
		Then("--may-exist", "add-port", bridge, port).
		Then("set", "interface", port, "type=vxlan",
			fmt.Sprintf("options:remote_ip=%s", remoteIP),
			fmt.Sprintf("options:key=%d", vni))
	for k, v := range externalIDs {
		tx.Then("set", "port", port, fmt.Sprintf("external-ids:%s=%s", k, v))
	}
	_, err := tx.Run(ctx)
	return err
}

// AddPatchPair creates an OVS patch-port pair between two bridges in one
// composite transaction.
func AddPatchPair(ctx context.Context, bridgeA, portA, bridgeB, portB string, tag int) error {
	for _, n := range []string{bridgeA, portA, bridgeB, portB} {
		if err := ValidatePortName(n); err != nil {
			return err
		}
	}
	tx := NewTransaction().
		Then("--may-exist", "add-port", bridgeA, portA).
		Then("set", "interface", portA, "type=patch", fmt.Sprintf("options:peer=%s", portB)).
		Then("--may-exist", "add-port", bridgeB, portB).
		Then("set", "interface", portB, "type=patch", fmt.Sprintf("options:peer=%s", portA))
	if tag > 0 {
		tx.Then("set", "port", portA, fmt.Sprintf("tag=%d", tag))
	}
	_, err := tx.Run(ctx)
	return err
}

// PortExists reports whether port is attached to any bridge, matching the
// `ovs-vsctl port-to-br <port>` probe (exit code 0 means
// present).
func PortExists(ctx context.Context, port string) bool {
	if err := ValidatePortName(port); err != nil {
		return false
	}
	_, err := vsctl(ctx, "port-to-br", port)
	return err == nil
}

// ListBridges enumerates every OVS bridge on the host.
func ListBridges(ctx context.Context) ([]string, error) {
	out, err := vsctl(ctx, "list-br")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// OVSPort describes a live port on the bridge, as returned by ListPorts.
type OVSPort struct {
	Name        string
	Tag         int
	Type        string // "", "vxlan", "patch"
	ExternalIDs map[string]string
	Options     map[string]string
}

// ListPorts enumerates every port on bridge with its tag, type, options
// and external-ids, used by startup recovery and reconciliation.
func ListPorts(ctx context.Context, bridge string) ([]OVSPort, error) {
	if err := ValidatePortName(bridge); err != nil {
		return nil, err
	}
	out, err := vsctl(ctx, "list-ports", bridge)
	if err != nil {
		return nil, err
	}
	names := splitLines(out)
	ports := make([]OVSPort, 0, len(names))
	for _, name := range names {
		p, err := describePort(ctx, name)
		if err != nil {
			util.WithField("port", name).WithError(err).Warn("ovsnet: failed describing port during scan")
			continue
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func describePort(ctx context.Context, name string) (OVSPort, error) {
	tagOut, _ := vsctl(ctx, "get", "port", name, "tag")
	eidsOut, _ := vsctl(ctx, "get", "port", name, "external-ids")
	typeOut, _ := vsctl(ctx, "get", "interface", name, "type")
	optsOut, _ := vsctl(ctx, "get", "interface", name, "options")

	return OVSPort{
		Name:        name,
		Tag:         parseOVSInt(tagOut),
		Type:        parseOVSString(typeOut),
		ExternalIDs: parseOVSMap(eidsOut),
		Options:     parseOVSMap(optsOut),
	}, nil
}
