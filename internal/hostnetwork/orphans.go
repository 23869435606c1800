// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"context"
	"errors"
	"fmt"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/vishvananda/netlink"
	"k8s.io/apimachinery/pkg/util/sets"
)

// RemoveOrphans deletes the tunnel interfaces, IRBs, bridge VLANs and
// ingress ports not explained by any of the desired networks. VRF devices
// are not touched: the VNIs of the unexplained ones are returned so the
// caller can apply its persistence policy.
func (p *Provisioner) RemoveOrphans(ctx context.Context, desired []evpn.NetworkInfo) ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vnis := sets.New[uint32]()
	vlans := sets.New[int]()
	ingress := sets.New[int]()
	for _, n := range desired {
		vnis.Insert(n.VNI)
		vlans.Insert(n.BridgeVLAN)
		if n.Mode == evpn.ModeSymmetricIRB {
			ingress.Insert(n.BridgeVLAN)
		}
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("remove orphans: failed to list links: %w", err)
	}

	var errs []error
	var orphanVRFs []uint32
	for _, l := range links {
		name := l.Attrs().Name
		switch l.Type() {
		case "vxlan":
			vni, err := evpn.VNIFromVXLanName(name)
			if err != nil || vnis.Has(vni) {
				continue
			}
			errs = append(errs, p.deleteOrphan(ctx, l))
		case "vlan":
			vlan, err := evpn.VLANFromIRBName(p.params.Bridge, name)
			if err != nil || vlans.Has(vlan) {
				continue
			}
			errs = append(errs, p.deleteOrphan(ctx, l))
		case "vrf":
			vni, err := evpn.VNIFromVRFName(name)
			if err != nil || vnis.Has(vni) {
				continue
			}
			orphanVRFs = append(orphanVRFs, vni)
		}
	}

	errs = append(errs, p.removeOrphanBridgeVLANs(ctx, vlans))

	ports, err := p.ports.ListInternalPorts(ctx, p.params.OVSBridge, evpn.IngressPrefix)
	if err != nil {
		errs = append(errs, fmt.Errorf("remove orphans: failed to list ovs ports: %w", err))
	}
	for _, port := range ports {
		vlan, err := evpn.VLANFromIngressName(port)
		if err != nil || ingress.Has(vlan) {
			continue
		}
		p.logger.InfoContext(ctx, "removing orphan ingress port", "port", port)
		if err := p.ports.DeleteInternalPort(ctx, p.params.OVSBridge, port); err != nil {
			errs = append(errs, fmt.Errorf("remove orphans: failed to delete ovs port %s: %w", port, err))
		}
	}

	return orphanVRFs, errors.Join(errs...)
}

func (p *Provisioner) deleteOrphan(ctx context.Context, l netlink.Link) error {
	p.logger.InfoContext(ctx, "removing orphan link", "link", l.Attrs().Name, "type", l.Type())
	if err := netlink.LinkDel(l); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove orphans: failed to delete %s %s: %w", l.Type(), l.Attrs().Name, err)
	}
	return nil
}

func (p *Provisioner) removeOrphanBridgeVLANs(ctx context.Context, wanted sets.Set[int]) error {
	bridge, err := netlink.LinkByName(p.params.Bridge)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove orphans: failed to get bridge %s: %w", p.params.Bridge, err)
	}
	all, err := netlink.BridgeVlanList()
	if err != nil {
		return fmt.Errorf("remove orphans: failed to list bridge vlans: %w", err)
	}
	var errs []error
	for _, info := range all[int32(bridge.Attrs().Index)] {
		vlan := int(info.Vid)
		if wanted.Has(vlan) {
			continue
		}
		p.logger.InfoContext(ctx, "removing orphan bridge vlan", "vlan", vlan)
		errs = append(errs, delBridgeVLAN(bridge, vlan, true))
	}
	return errors.Join(errs...)
}
