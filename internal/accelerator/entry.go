// SPDX-License-Identifier:Apache-2.0

package accelerator

import (
	"fmt"
	"net"
	"net/netip"
)

type entryKind int

const (
	kindFDB entryKind = iota
	kindNeighbor
	kindRoute
)

// entry is comparable, so it can key the ownership map.
type entry struct {
	kind    entryKind
	device  string
	mac     string
	vlan    int
	ip      netip.Addr
	table   uint32
	dst     netip.Prefix
	nexthop netip.Addr
}

func (e entry) String() string {
	switch e.kind {
	case kindFDB:
		return fmt.Sprintf("fdb %s vlan %d dev %s", e.mac, e.vlan, e.device)
	case kindNeighbor:
		return fmt.Sprintf("neigh %s lladdr %s dev %s", e.ip, e.mac, e.device)
	}
	return fmt.Sprintf("route %s via %s table %d", e.dst, e.nexthop, e.table)
}

func (a *Accelerator) install(e entry) error {
	switch e.kind {
	case kindFDB:
		return a.dp.AddStaticFDB(e.device, mustMAC(e.mac), e.vlan)
	case kindNeighbor:
		return a.dp.AddStaticNeighbor(e.device, e.ip, mustMAC(e.mac))
	}
	return a.dp.AddRoute(e.table, e.dst, e.nexthop)
}

func (a *Accelerator) remove(e entry) error {
	switch e.kind {
	case kindFDB:
		return a.dp.DelStaticFDB(e.device, mustMAC(e.mac), e.vlan)
	case kindNeighbor:
		return a.dp.DelStaticNeighbor(e.device, e.ip, mustMAC(e.mac))
	}
	return a.dp.DelRoute(e.table, e.dst, e.nexthop)
}

// mustMAC parses a mac validated when the entry was built.
func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(fmt.Sprintf("invalid mac %q in a validated entry", s))
	}
	return mac
}
