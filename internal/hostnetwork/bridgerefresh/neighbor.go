// SPDX-License-Identifier:Apache-2.0

package bridgerefresh

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	familyV4 = unix.AF_INET
	familyV6 = unix.AF_INET6
)

type staleNeighbor struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

// listStaleNeighbors returns the STALE neighbors of the given family on
// the device. These are about to be garbage collected.
func listStaleNeighbors(device string, family int) ([]staleNeighbor, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", device, err)
	}

	neighbors, err := netlink.NeighList(link.Attrs().Index, family)
	if err != nil {
		return nil, fmt.Errorf("failed to list neighbors: %w", err)
	}

	res := make([]staleNeighbor, 0, len(neighbors))
	for _, neigh := range neighbors {
		if neigh.State&netlink.NUD_STALE == 0 {
			continue
		}
		// unicast probes need the MAC.
		if len(neigh.HardwareAddr) == 0 {
			continue
		}
		ip, ok := netip.AddrFromSlice(neigh.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		res = append(res, staleNeighbor{IP: ip, MAC: neigh.HardwareAddr})
	}
	return res, nil
}
