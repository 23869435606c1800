// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"k8s.io/utils/ptr"
)

// ensureEVPNBridge ensures the VLAN aware bridge shared by every network
// exists and is up. Ports get no default VLAN, each one is assigned the
// VLANs of the networks it serves.
func ensureEVPNBridge(name string) (*netlink.Bridge, error) {
	toCreate := &netlink.Bridge{
		LinkAttrs:       netlink.LinkAttrs{Name: name},
		VlanFiltering:   ptr.To(true),
		VlanDefaultPVID: ptr.To[uint16](0),
	}
	link, err := ensureLink(toCreate, func(l netlink.Link) bool {
		b, ok := l.(*netlink.Bridge)
		return ok && ptr.Deref(b.VlanFiltering, false)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bridge %s: %w", name, err)
	}
	bridge, ok := link.(*netlink.Bridge)
	if !ok {
		return nil, fmt.Errorf("link %s is a %s, not a bridge", name, link.Type())
	}

	if err := setAddrGenModeNone(bridge); err != nil {
		return nil, fmt.Errorf("failed to set addr_gen_mode to 1 for %s: %w", name, err)
	}
	if err := linkSetUp(bridge); err != nil {
		return nil, err
	}
	return bridge, nil
}

// addBridgeVLAN enables the VLAN on the given port of the bridge. self
// targets the bridge device itself, which the IRB subinterface needs.
func addBridgeVLAN(link netlink.Link, vlan int, pvid, self bool) error {
	if err := netlink.BridgeVlanAdd(link, uint16(vlan), pvid, pvid, self, !self); err != nil && !isExist(err) {
		return fmt.Errorf("failed to add vlan %d to %s: %w", vlan, link.Attrs().Name, err)
	}
	return nil
}

func delBridgeVLAN(link netlink.Link, vlan int, self bool) error {
	if err := netlink.BridgeVlanDel(link, uint16(vlan), false, false, self, !self); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove vlan %d from %s: %w", vlan, link.Attrs().Name, err)
	}
	return nil
}
