// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/vishvananda/netlink"
)

// Params are the host level settings shared by every network.
type Params struct {
	Bridge    string
	OVSBridge string
	VTEP      netip.Addr
	VXLanPort int
	MTU       int
}

// VRFRegistry hands out the VRF of a VNI and tracks its dependents.
type VRFRegistry interface {
	Acquire(ctx context.Context, vni uint32, networkID string) (evpn.VrfInfo, error)
	Release(ctx context.Context, vni uint32, networkID string) (int, error)
}

// Provisioner ensures and removes the per network dataplane objects.
type Provisioner struct {
	params   Params
	registry VRFRegistry
	ports    OVSPorts
	logger   *slog.Logger

	mu       sync.Mutex
	networks map[string]evpn.NetworkInfo
	// pvids maps a VNI to the network whose VLAN is the untagged VLAN of
	// the VNI tunnel interface.
	pvids map[uint32]string
}

func NewProvisioner(params Params, registry VRFRegistry, ports OVSPorts, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		params:   params,
		registry: registry,
		ports:    ports,
		logger:   logger,
		networks: map[string]evpn.NetworkInfo{},
		pvids:    map[uint32]string{},
	}
}

// Ensure converges the dataplane objects of the network: the EVPN bridge,
// the VRF, the tunnel interface, the IRB and, for symmetric IRB networks,
// the ingress port. On failure whatever was set up for the network is torn
// down again.
func (p *Provisioner) Ensure(ctx context.Context, network evpn.NetworkInfo) (evpn.VrfInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.With("network", network.ID, "vni", network.VNI, "vlan", network.BridgeVLAN)
	logger.DebugContext(ctx, "ensuring network infrastructure")

	vrf, err := p.ensure(ctx, logger, network)
	if err != nil {
		if tErr := p.teardown(ctx, logger, network); tErr != nil {
			logger.ErrorContext(ctx, "rollback failed", "error", tErr)
		}
		return evpn.VrfInfo{}, err
	}
	p.networks[network.ID] = network
	if p.holdsPVID(network) {
		p.pvids[network.VNI] = network.ID
	}
	logger.InfoContext(ctx, "network infrastructure ensured", "vrf", vrf.Name)
	return vrf, nil
}

func (p *Provisioner) ensure(ctx context.Context, logger *slog.Logger, network evpn.NetworkInfo) (evpn.VrfInfo, error) {
	if network.BridgeVLAN <= 0 {
		return evpn.VrfInfo{}, fmt.Errorf("network %s has no bridge vlan", network.ID)
	}
	logger.DebugContext(ctx, "setting up bridge")
	bridge, err := ensureEVPNBridge(p.params.Bridge)
	if err != nil {
		return evpn.VrfInfo{}, err
	}
	if err := addBridgeVLAN(bridge, network.BridgeVLAN, false, true); err != nil {
		return evpn.VrfInfo{}, err
	}

	logger.DebugContext(ctx, "setting up vrf")
	vrf, err := p.registry.Acquire(ctx, network.VNI, network.ID)
	if err != nil {
		return evpn.VrfInfo{}, err
	}
	vrfLink, err := netlink.LinkByName(vrf.Name)
	if err != nil {
		return evpn.VrfInfo{}, fmt.Errorf("failed to get vrf %s: %w", vrf.Name, err)
	}

	logger.DebugContext(ctx, "setting up vxlan")
	if _, err := ensureVXLan(p.params, network, bridge, p.holdsPVID(network)); err != nil {
		return evpn.VrfInfo{}, err
	}

	logger.DebugContext(ctx, "setting up irb")
	if _, err := ensureIRB(p.params, network, bridge, vrfLink); err != nil {
		return evpn.VrfInfo{}, err
	}

	if network.Mode != evpn.ModeSymmetricIRB {
		return vrf, nil
	}
	logger.DebugContext(ctx, "setting up ingress port")
	if err := ensureIngress(ctx, p.params, p.ports, network, bridge); err != nil {
		return evpn.VrfInfo{}, err
	}
	return vrf, nil
}

// Teardown removes the network objects in reverse order. Objects shared
// with other networks of the same VNI are kept, the EVPN bridge is never
// removed.
func (p *Provisioner) Teardown(ctx context.Context, network evpn.NetworkInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.With("network", network.ID, "vni", network.VNI, "vlan", network.BridgeVLAN)
	if err := p.teardown(ctx, logger, network); err != nil {
		return err
	}
	logger.InfoContext(ctx, "network infrastructure removed")
	return nil
}

func (p *Provisioner) teardown(ctx context.Context, logger *slog.Logger, network evpn.NetworkInfo) error {
	others := p.sharingVNI(network)
	var errs []error

	if network.Mode == evpn.ModeSymmetricIRB && network.BridgeVLAN > 0 {
		name := evpn.IngressPortName(network.BridgeVLAN)
		logger.DebugContext(ctx, "removing ingress port", "port", name)
		if err := p.ports.DeleteInternalPort(ctx, p.params.OVSBridge, name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete ovs port %s: %w", name, err))
		}
	}

	if err := deleteLinkByName(evpn.IRBName(p.params.Bridge, network.BridgeVLAN)); err != nil {
		errs = append(errs, err)
	}

	vxlan := evpn.VXLanName(network.VNI)
	switch {
	case len(others) == 0:
		if err := deleteLinkByName(vxlan); err != nil {
			errs = append(errs, err)
		}
		delete(p.pvids, network.VNI)
	default:
		if err := removeVLANFromPort(vxlan, network.BridgeVLAN); err != nil {
			errs = append(errs, err)
		}
		if p.pvids[network.VNI] == network.ID {
			errs = append(errs, p.handOverPVID(ctx, logger, vxlan, others))
		}
	}

	if _, err := p.registry.Release(ctx, network.VNI, network.ID); err != nil {
		errs = append(errs, err)
	}

	if network.BridgeVLAN > 0 {
		bridge, err := netlink.LinkByName(p.params.Bridge)
		switch {
		case isNotFound(err):
		case err != nil:
			errs = append(errs, fmt.Errorf("failed to get bridge %s: %w", p.params.Bridge, err))
		default:
			if err := delBridgeVLAN(bridge, network.BridgeVLAN, true); err != nil {
				errs = append(errs, err)
			}
		}
	}

	delete(p.networks, network.ID)
	return errors.Join(errs...)
}

// handOverPVID makes the VLAN of the first remaining network of the VNI the
// untagged VLAN of its tunnel interface.
func (p *Provisioner) handOverPVID(ctx context.Context, logger *slog.Logger, vxlan string, others []evpn.NetworkInfo) error {
	next := others[0]
	link, err := netlink.LinkByName(vxlan)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", vxlan, err)
	}
	logger.DebugContext(ctx, "handing over untagged vlan", "to", next.ID, "vlan", next.BridgeVLAN)
	if err := addBridgeVLAN(link, next.BridgeVLAN, true, false); err != nil {
		return err
	}
	p.pvids[next.VNI] = next.ID
	return nil
}

// holdsPVID tells whether the network VLAN is, or becomes, the untagged
// VLAN of the VNI tunnel interface.
func (p *Provisioner) holdsPVID(network evpn.NetworkInfo) bool {
	holder, ok := p.pvids[network.VNI]
	if !ok || holder == network.ID {
		return true
	}
	_, provisioned := p.networks[holder]
	return !provisioned
}

func removeVLANFromPort(name string, vlan int) error {
	link, err := netlink.LinkByName(name)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", name, err)
	}
	return delBridgeVLAN(link, vlan, false)
}

// sharingVNI returns the provisioned networks, other than the given one,
// served by the same VNI, sorted by id.
func (p *Provisioner) sharingVNI(network evpn.NetworkInfo) []evpn.NetworkInfo {
	var res []evpn.NetworkInfo
	for id, n := range p.networks {
		if id != network.ID && n.VNI == network.VNI {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
