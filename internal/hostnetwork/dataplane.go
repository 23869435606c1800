// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Dataplane installs the static forwarding, neighbor and route entries
// used to accelerate locally bound ports.
type Dataplane struct{}

// AddStaticFDB points the MAC at the given bridge port on the VLAN.
func (Dataplane) AddStaticFDB(device string, mac net.HardwareAddr, vlan int) error {
	neigh, err := fdbEntry(device, mac, vlan)
	if err != nil {
		return err
	}
	if err := netlink.NeighSet(neigh); err != nil {
		return fmt.Errorf("failed to add fdb entry %s vlan %d on %s: %w", mac, vlan, device, err)
	}
	return nil
}

// DelStaticFDB removes an entry added by AddStaticFDB. A missing entry
// or device is not an error.
func (Dataplane) DelStaticFDB(device string, mac net.HardwareAddr, vlan int) error {
	neigh, err := fdbEntry(device, mac, vlan)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := netlink.NeighDel(neigh); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete fdb entry %s vlan %d on %s: %w", mac, vlan, device, err)
	}
	return nil
}

func fdbEntry(device string, mac net.HardwareAddr, vlan int) (*netlink.Neigh, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", device, err)
	}
	return &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       unix.AF_BRIDGE,
		State:        netlink.NUD_NOARP,
		Flags:        netlink.NTF_MASTER,
		HardwareAddr: mac,
		Vlan:         vlan,
	}, nil
}

// AddStaticNeighbor installs a permanent neighbor entry on the device.
func (Dataplane) AddStaticNeighbor(device string, ip netip.Addr, mac net.HardwareAddr) error {
	neigh, err := neighborEntry(device, ip, mac)
	if err != nil {
		return err
	}
	if err := netlink.NeighSet(neigh); err != nil {
		return fmt.Errorf("failed to add neighbor %s %s on %s: %w", ip, mac, device, err)
	}
	return nil
}

// DelStaticNeighbor removes an entry added by AddStaticNeighbor.
func (Dataplane) DelStaticNeighbor(device string, ip netip.Addr, mac net.HardwareAddr) error {
	neigh, err := neighborEntry(device, ip, mac)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := netlink.NeighDel(neigh); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete neighbor %s on %s: %w", ip, device, err)
	}
	return nil
}

func neighborEntry(device string, ip netip.Addr, mac net.HardwareAddr) (*netlink.Neigh, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", device, err)
	}
	return &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       family(ip),
		State:        netlink.NUD_PERMANENT,
		IP:           net.IP(ip.AsSlice()),
		HardwareAddr: mac,
	}, nil
}

// AddRoute installs a static route in the given table.
func (Dataplane) AddRoute(table uint32, dst netip.Prefix, nexthop netip.Addr) error {
	if err := netlink.RouteReplace(staticRoute(table, dst, nexthop)); err != nil {
		return fmt.Errorf("failed to add route %s via %s in table %d: %w", dst, nexthop, table, err)
	}
	return nil
}

// DelRoute removes a route added by AddRoute.
func (Dataplane) DelRoute(table uint32, dst netip.Prefix, nexthop netip.Addr) error {
	if err := netlink.RouteDel(staticRoute(table, dst, nexthop)); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete route %s via %s in table %d: %w", dst, nexthop, table, err)
	}
	return nil
}

// FlushVRFRoutes removes the static routes of the given table and returns
// how many were removed.
func (Dataplane) FlushVRFRoutes(table uint32) (int, error) {
	filter := &netlink.Route{
		Table:    int(table),
		Protocol: netlink.RouteProtocol(unix.RTPROT_STATIC),
	}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, filter, netlink.RT_FILTER_TABLE|netlink.RT_FILTER_PROTOCOL)
	if err != nil {
		return 0, fmt.Errorf("failed to list routes of table %d: %w", table, err)
	}
	removed := 0
	for _, r := range routes {
		if err := netlink.RouteDel(&r); err != nil && !isNotFound(err) {
			return removed, fmt.Errorf("failed to delete route %s from table %d: %w", r.Dst, table, err)
		}
		removed++
	}
	return removed, nil
}

// FlushEVPNVRFRoutes flushes the static routes of the tables of every EVPN
// VRF device found on the host.
func (d Dataplane) FlushEVPNVRFRoutes() (int, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return 0, fmt.Errorf("failed to list links: %w", err)
	}
	removed := 0
	var errs []error
	for _, l := range links {
		if l.Type() != "vrf" {
			continue
		}
		vni, err := evpn.VNIFromVRFName(l.Attrs().Name)
		if err != nil {
			continue
		}
		n, err := d.FlushVRFRoutes(evpn.TableID(vni))
		removed += n
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

func staticRoute(table uint32, dst netip.Prefix, nexthop netip.Addr) *netlink.Route {
	return &netlink.Route{
		Dst:      ipNetFromPrefix(dst.Masked()),
		Gw:       net.IP(nexthop.AsSlice()),
		Family:   family(dst.Addr()),
		Table:    int(table),
		Protocol: netlink.RouteProtocol(unix.RTPROT_STATIC),
	}
}

func family(addr netip.Addr) int {
	if addr.Is4() {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}
