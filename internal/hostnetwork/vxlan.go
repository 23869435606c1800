// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/vishvananda/netlink"
)

// ensureVXLan ensures the tunnel interface of the VNI exists, is a port
// of the bridge and carries the network VLAN. The VLAN is the port PVID
// only for the first network of the VNI.
func ensureVXLan(params Params, network evpn.NetworkInfo, bridge *netlink.Bridge, first bool) (netlink.Link, error) {
	name := evpn.VXLanName(network.VNI)
	toCreate := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			MasterIndex: bridge.Index,
			MTU:         mtuFor(params, network),
		},
		VxlanId:  int(network.VNI),
		SrcAddr:  net.IP(params.VTEP.AsSlice()),
		Port:     params.VXLanPort,
		Learning: false,
	}
	link, err := ensureLink(toCreate, func(l netlink.Link) bool {
		vxlan, ok := l.(*netlink.Vxlan)
		return ok && checkVXLanConfigured(vxlan, network.VNI, params) == nil
	})
	if err != nil {
		return nil, err
	}

	if err := setMaster(link, bridge); err != nil {
		return nil, err
	}
	if err := setAddrGenModeNone(link); err != nil {
		return nil, fmt.Errorf("failed to set addr_gen_mode to 1 for %s: %w", name, err)
	}
	if err := netlink.LinkSetLearning(link, false); err != nil {
		return nil, fmt.Errorf("failed to disable learning on %s: %w", name, err)
	}
	if err := netlink.LinkSetBrNeighSuppress(link, true); err != nil {
		return nil, fmt.Errorf("failed to set neigh suppression for %s: %w", name, err)
	}
	if err := setMTU(link, mtuFor(params, network)); err != nil {
		return nil, err
	}
	if err := addBridgeVLAN(link, network.BridgeVLAN, first, false); err != nil {
		return nil, err
	}
	if err := linkSetUp(link); err != nil {
		return nil, err
	}
	return link, nil
}

// checkVXLanConfigured checks the tunnel properties that can only be set
// at creation time.
func checkVXLanConfigured(vxlan *netlink.Vxlan, vni uint32, params Params) error {
	if vxlan.VxlanId != int(vni) {
		return fmt.Errorf("vxlanid is not vni: %d, %d", vxlan.VxlanId, vni)
	}
	if vxlan.Port != params.VXLanPort {
		return fmt.Errorf("port is not one coming from params: %d, %d", vxlan.Port, params.VXLanPort)
	}
	if vxlan.Learning {
		return fmt.Errorf("learning is enabled")
	}
	src, ok := netip.AddrFromSlice(vxlan.SrcAddr)
	if !ok || src.Unmap() != params.VTEP {
		return fmt.Errorf("src addr is not the vtep: %v, %v", vxlan.SrcAddr, params.VTEP)
	}
	return nil
}

func mtuFor(params Params, network evpn.NetworkInfo) int {
	if network.MTU > 0 {
		return network.MTU
	}
	return params.MTU
}
