package ovsnet

import (
	"fmt"
	"os"

	"github.com/vishvananda/netlink"
)

// CreateVethPair creates a veth pair (hostSide, nsSide). Both names
// must fit the kernel's 15-byte interface name limit.
func CreateVethPair(hostSide, nsSide string) error {
	if err := ValidatePortName(hostSide); err != nil {
		return err
	}
	if err := ValidatePortName(nsSide); err != nil {
		return err
	}
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostSide},
		PeerName:  nsSide,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("ovsnet: create veth %s/%s: %w", hostSide, nsSide, err)
	}
	return nil
}

// DeleteVeth deletes one end of a veth pair; the kernel deletes its peer
// along with it.
func DeleteVeth(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

// MoveToNamespace moves nsSide into the network namespace identified by
// pid, the standard way of reaching into a running container's netns
// without a bind-mounted /var/run/netns entry.
func MoveToNamespace(nsSide string, pid int) error {
	link, err := netlink.LinkByName(nsSide)
	if err != nil {
		return fmt.Errorf("ovsnet: find %s before namespace move: %w", nsSide, err)
	}
	if err := netlink.LinkSetNsPid(link, pid); err != nil {
		return fmt.Errorf("ovsnet: move %s into pid %d netns: %w", nsSide, pid, err)
	}
	return nil
}

// RenameInNamespace renames a link already inside the target namespace
// (e.g. nsSide -> "eth1") and brings it up. Must run with the process's
// network namespace already switched to the container's, which the
// caller arranges via nsenter or runtime.NetworkNamespacePath().
func RenameInNamespace(oldName, newName string) error {
	link, err := netlink.LinkByName(oldName)
	if err != nil {
		return fmt.Errorf("ovsnet: find %s for rename: %w", oldName, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return err
	}
	if err := netlink.LinkSetName(link, newName); err != nil {
		return fmt.Errorf("ovsnet: rename %s -> %s: %w", oldName, newName, err)
	}
	link, err = netlink.LinkByName(newName)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// SetUp brings a host-side link up.
func SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// SetCarrier simulates a cable pull/plug on name by toggling admin state,
// leaving the interface otherwise configured.
func SetCarrier(name string, up bool) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("ovsnet: find %s for carrier toggle: %w", name, err)
	}
	if up {
		return netlink.LinkSetUp(link)
	}
	return netlink.LinkSetDown(link)
}

// SetMTU sets the MTU on a host-side interface, used when attaching
// cross-host links with a tenant MTU derived from overlay probing.
func SetMTU(name string, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetMTU(link, mtu)
}

// LinkExists reports whether a link with the given name currently exists
// in the process's network namespace.
func LinkExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

// HasMaster reports whether link has a bridge/OVS master attached,
// used by the orphan-veth GC pass.
func HasMaster(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return false, os.ErrNotExist
		}
		return false, err
	}
	return link.Attrs().MasterIndex != 0, nil
}
