// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/openperouter/ovn-evpn-agent/internal/sysctl"
	"github.com/vishvananda/netlink"
)

// ensureLink returns the link named after toCreate, creating it when
// missing. A link with the same name for which matches returns false is
// deleted and created again.
func ensureLink(toCreate netlink.Link, matches func(netlink.Link) bool) (netlink.Link, error) {
	name := toCreate.Attrs().Name
	link, err := netlink.LinkByName(name)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("could not get link by name %s: %w", name, err)
	}
	if err == nil && matches(link) {
		return link, nil
	}

	if err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return nil, fmt.Errorf("failed to delete link %s: %w", name, err)
		}
	}
	if err := netlink.LinkAdd(toCreate); err != nil && !isExist(err) {
		return nil, fmt.Errorf("could not add %s %s: %w", toCreate.Type(), name, err)
	}
	link, err = netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("could not get link %s after creation: %w", name, err)
	}
	return link, nil
}

func linkSetUp(link netlink.Link) error {
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("could not set link up for %s: %w", link.Attrs().Name, err)
	}
	return nil
}

func setMTU(link netlink.Link, mtu int) error {
	if mtu <= 0 || link.Attrs().MTU == mtu {
		return nil
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("failed to set mtu %d on %s: %w", mtu, link.Attrs().Name, err)
	}
	return nil
}

func setMaster(link netlink.Link, master netlink.Link) error {
	if link.Attrs().MasterIndex == master.Attrs().Index {
		return nil
	}
	if err := netlink.LinkSetMaster(link, master); err != nil {
		return fmt.Errorf("failed to set %s as master of %s: %w", master.Attrs().Name, link.Attrs().Name, err)
	}
	return nil
}

func setAddrGenModeNone(link netlink.Link) error {
	return sysctl.Apply(sysctl.AddrGenModeNone(link.Attrs().Name))
}

func deleteLinkByName(name string) error {
	link, err := netlink.LinkByName(name)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not get link by name %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete link %s: %w", name, err)
	}
	return nil
}

// assignAddresses makes the global unicast addresses of the link match
// the given prefixes.
func assignAddresses(link netlink.Link, prefixes []netip.Prefix) error {
	wanted := map[netip.Prefix]bool{}
	for _, p := range prefixes {
		wanted[p] = true
	}

	existing, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
	}
	for _, a := range existing {
		p, ok := prefixFromIPNet(a.IPNet)
		if !ok || !p.Addr().IsGlobalUnicast() {
			continue
		}
		if wanted[p] {
			delete(wanted, p)
			continue
		}
		if err := netlink.AddrDel(link, &a); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to remove address %s from %s: %w", p, link.Attrs().Name, err)
		}
	}

	for _, p := range prefixes {
		if !wanted[p] {
			continue
		}
		addr := &netlink.Addr{IPNet: ipNetFromPrefix(p)}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("failed to add address %s to %s: %w", p, link.Attrs().Name, err)
		}
	}
	return nil
}

func ipNetFromPrefix(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}
