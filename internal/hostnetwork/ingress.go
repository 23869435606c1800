// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"context"
	"fmt"
	"time"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/vishvananda/netlink"
	"k8s.io/apimachinery/pkg/util/wait"
)

// OVSPorts manages the internal ports of the OVS integration bridge.
type OVSPorts interface {
	EnsureInternalPort(ctx context.Context, bridge, name string, tag int) error
	DeleteInternalPort(ctx context.Context, bridge, name string) error
	ListInternalPorts(ctx context.Context, bridge, prefix string) ([]string, error)
}

const ingressLinkTimeout = 10 * time.Second

// ensureIngress ensures the OVS internal port of the network connecting the
// integration bridge to the EVPN bridge. OVS admits only the network local
// tag on it, the EVPN bridge maps its untagged frames to the network VLAN.
func ensureIngress(ctx context.Context, params Params, ports OVSPorts, network evpn.NetworkInfo, bridge *netlink.Bridge) error {
	name := evpn.IngressPortName(network.BridgeVLAN)
	if err := ports.EnsureInternalPort(ctx, params.OVSBridge, name, network.LocalTag); err != nil {
		return fmt.Errorf("failed to ensure ovs port %s: %w", name, err)
	}

	var link netlink.Link
	err := wait.PollUntilContextTimeout(ctx, 100*time.Millisecond, ingressLinkTimeout, true, func(context.Context) (bool, error) {
		l, err := netlink.LinkByName(name)
		if isNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		link = l
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("kernel link for ovs port %s did not show up: %w", name, err)
	}

	if err := setMaster(link, bridge); err != nil {
		return err
	}
	if err := setMTU(link, mtuFor(params, network)); err != nil {
		return err
	}
	if err := netlink.LinkSetLearning(link, true); err != nil {
		return fmt.Errorf("failed to enable learning on %s: %w", name, err)
	}
	if err := addBridgeVLAN(link, network.BridgeVLAN, true, false); err != nil {
		return err
	}
	return linkSetUp(link)
}
