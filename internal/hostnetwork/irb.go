// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"fmt"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/sysctl"
	"github.com/vishvananda/netlink"
)

// ensureIRB ensures the VLAN subinterface of the bridge routing the
// network traffic in the VRF, carrying the network gateway addresses.
func ensureIRB(params Params, network evpn.NetworkInfo, bridge *netlink.Bridge, vrf netlink.Link) (netlink.Link, error) {
	name := evpn.IRBName(bridge.Name, network.BridgeVLAN)
	toCreate := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: bridge.Index,
			MTU:         mtuFor(params, network),
		},
		VlanId: network.BridgeVLAN,
	}
	link, err := ensureLink(toCreate, func(l netlink.Link) bool {
		vlan, ok := l.(*netlink.Vlan)
		return ok && vlan.VlanId == network.BridgeVLAN && vlan.ParentIndex == bridge.Index
	})
	if err != nil {
		return nil, err
	}

	if err := setMaster(link, vrf); err != nil {
		return nil, err
	}
	if err := setMTU(link, mtuFor(params, network)); err != nil {
		return nil, err
	}
	if err := sysctl.Apply(sysctl.ProxyARP(name), sysctl.ProxyNDP(name)); err != nil {
		return nil, fmt.Errorf("failed to enable proxy arp/ndp on %s: %w", name, err)
	}
	if err := assignAddresses(link, network.GatewayIPs); err != nil {
		return nil, err
	}
	if err := linkSetUp(link); err != nil {
		return nil, err
	}
	return link, nil
}
