// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Route priority (aka metric) value that must be set on default unreachable routes.
// This value is the one recommended by the Linux kernel documentation, must be higher than any other route priority used in the system, to ensure that it is only used when no other route matches.
// See https://docs.kernel.org/networking/vrf.html for more details.
const UNREACHABLE_ROUTE_PRIORITY = 4278198272

var defaultUnreachableRoutes = []struct {
	family int
	dst    *net.IPNet
}{
	{family: netlink.FAMILY_V4, dst: &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}},
	{family: netlink.FAMILY_V6, dst: &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}},
}

// VRFDevices manages the kernel VRF devices backing the EVPN VRFs.
type VRFDevices struct{}

// EnsureVRF creates the VRF device bound to the given table, recreating
// devices of the wrong type or bound to another table, and terminates the
// table with unreachable default routes.
func (VRFDevices) EnsureVRF(ctx context.Context, name string, table uint32) error {
	toCreate := &netlink.Vrf{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Table:     table,
	}
	link, err := ensureLink(toCreate, func(l netlink.Link) bool {
		vrf, ok := l.(*netlink.Vrf)
		return ok && vrf.Table == table
	})
	if err != nil {
		return err
	}
	if err := linkSetUp(link); err != nil {
		return err
	}
	if err := ensureUnreachableDefaultRoutes(name, table); err != nil {
		return err
	}
	slog.DebugContext(ctx, "vrf device ensured", "vrf", name, "table", table)
	return nil
}

// DeleteVRF removes the VRF device. A missing device is not an error.
func (VRFDevices) DeleteVRF(ctx context.Context, name string) error {
	if err := deleteLinkByName(name); err != nil {
		return err
	}
	slog.DebugContext(ctx, "vrf device deleted", "vrf", name)
	return nil
}

func hasUnreachableDefaultRoute(vrfTable int, family int) (bool, error) {
	// Note: When listing routes, netlink represents the default route with Dst == nil.
	// So we need to filter with Dst: nil to match the default route, and it makes the function agnostic to the IP version.
	routeFilter := &netlink.Route{
		Dst:      nil,
		Table:    vrfTable,
		Type:     unix.RTN_UNREACHABLE,
		Priority: UNREACHABLE_ROUTE_PRIORITY,
	}
	filterMask := netlink.RT_FILTER_DST | netlink.RT_FILTER_TABLE | netlink.RT_FILTER_TYPE | netlink.RT_FILTER_PRIORITY
	routes, err := netlink.RouteListFiltered(family, routeFilter, filterMask)
	if err != nil {
		return false, fmt.Errorf("failed to get routes: %w", err)
	}
	return len(routes) > 0, nil
}

// ensureUnreachableDefaultRoutes adds default unreachable routes for both IPv4 and IPv6 to the given table,
// so that lookups missing in the VRF do not fall through to the next table referenced in `ip rule`.
func ensureUnreachableDefaultRoutes(vrf string, table uint32) error {
	for _, r := range defaultUnreachableRoutes {
		found, err := hasUnreachableDefaultRoute(int(table), r.family)
		if err != nil {
			return fmt.Errorf("failed to get unreachable default route from VRF %s (table %d): %w", vrf, table, err)
		}
		if found {
			continue
		}

		route := &netlink.Route{
			Dst:      r.dst,
			Family:   r.family,
			Table:    int(table),
			Type:     unix.RTN_UNREACHABLE,
			Priority: UNREACHABLE_ROUTE_PRIORITY,
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("failed to add unreachable default route to VRF %s (table %d): %w", vrf, table, err)
		}
	}
	return nil
}
