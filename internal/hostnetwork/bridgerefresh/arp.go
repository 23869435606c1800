// SPDX-License-Identifier:Apache-2.0

package bridgerefresh

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/mdlayher/arp"
	"github.com/vishvananda/netlink"
)

// sendARPProbe sends a unicast ARP request to refresh a neighbor entry.
func (r *Refresher) sendARPProbe(src netip.Addr, target staleNeighbor) error {
	if !target.IP.Is4() {
		return fmt.Errorf("target IP %s is not IPv4", target.IP)
	}
	ifi, err := probeInterface(r.irb)
	if err != nil {
		return err
	}

	client, err := arp.Dial(ifi)
	if err != nil {
		return fmt.Errorf("failed to create ARP client on %s: %w", r.irb, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("failed to close ARP client", "irb", r.irb, "error", err)
		}
	}()

	packet, err := arp.NewPacket(arp.OperationRequest, ifi.HardwareAddr, src, target.MAC, target.IP)
	if err != nil {
		return fmt.Errorf("failed to create ARP packet: %w", err)
	}
	if err := client.WriteTo(packet, target.MAC); err != nil {
		return fmt.Errorf("failed to send ARP probe to %s (%s): %w", target.IP, target.MAC, err)
	}
	return nil
}

func probeInterface(device string) (*net.Interface, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", device, err)
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 {
		return nil, fmt.Errorf("%s has no hardware address", device)
	}
	return &net.Interface{
		Index:        link.Attrs().Index,
		Name:         device,
		HardwareAddr: mac,
		MTU:          link.Attrs().MTU,
		Flags:        net.FlagUp | net.FlagBroadcast | net.FlagMulticast,
	}, nil
}
