// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"
)

const loopback = "lo"

// DiscoverVTEP returns the local tunnel endpoint address. In order: the
// configured address, the first IPv4 address of the configured nic, the
// first non 127/8 IPv4 address of the loopback interface.
func DiscoverVTEP(localIP, nic string) (netip.Addr, error) {
	if localIP != "" {
		addr, err := netip.ParseAddr(localIP)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid local ip %q: %w", localIP, err)
		}
		return addr, nil
	}

	if nic != "" {
		addrs, err := interfaceIPv4(nic)
		if err != nil {
			return netip.Addr{}, err
		}
		if addr, ok := firstUsableIPv4(addrs, false); ok {
			slog.Info("vtep found on nic", "nic", nic, "vtep", addr)
			return addr, nil
		}
	}

	addrs, err := interfaceIPv4(loopback)
	if err != nil {
		return netip.Addr{}, err
	}
	if addr, ok := firstUsableIPv4(addrs, true); ok {
		slog.Info("vtep found on loopback", "vtep", addr)
		return addr, nil
	}
	return netip.Addr{}, NoVTEPError{LocalIP: localIP, NIC: nic}
}

func interfaceIPv4(name string) ([]netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}
	res := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if p, ok := prefixFromIPNet(a.IPNet); ok {
			res = append(res, p.Addr())
		}
	}
	return res, nil
}

func firstUsableIPv4(addrs []netip.Addr, skipLoopback bool) (netip.Addr, bool) {
	for _, a := range addrs {
		if !a.Is4() {
			continue
		}
		if skipLoopback && a.IsLoopback() {
			continue
		}
		return a, true
	}
	return netip.Addr{}, false
}
