// SPDX-License-Identifier:Apache-2.0

package bridgerefresh

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"github.com/mdlayher/ndp"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// sendNSProbe sends a unicast neighbor solicitation to refresh an IPv6
// neighbor entry.
func (r *Refresher) sendNSProbe(target staleNeighbor) error {
	if !target.IP.Is6() {
		return fmt.Errorf("target IP %s is not IPv6", target.IP)
	}
	ifi, err := probeInterface(r.irb)
	if err != nil {
		return err
	}
	zone := strconv.Itoa(ifi.Index)

	// bound by index: the name based zone of ndp.Listen goes stale when
	// the IRB is recreated.
	ic, err := icmp.ListenPacket("ip6:ipv6-icmp", netip.IPv6Unspecified().WithZone(zone).String())
	if err != nil {
		return fmt.Errorf("failed to create NDP connection on %s: %w", r.irb, err)
	}
	defer func() {
		if err := ic.Close(); err != nil {
			slog.Error("failed to close NDP connection", "irb", r.irb, "error", err)
		}
	}()

	ns := &ndp.NeighborSolicitation{
		TargetAddress: target.IP,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{
				Direction: ndp.Source,
				Addr:      ifi.HardwareAddr,
			},
		},
	}
	raw, err := ndp.MarshalMessage(ns)
	if err != nil {
		return fmt.Errorf("failed to marshal neighbor solicitation: %w", err)
	}

	_, err = ic.IPv6PacketConn().WriteTo(raw, &ipv6.ControlMessage{HopLimit: ndp.HopLimit}, &net.IPAddr{
		IP:   target.IP.AsSlice(),
		Zone: zone,
	})
	if err != nil {
		return fmt.Errorf("failed to send neighbor solicitation to %s (%s): %w", target.IP, target.MAC, err)
	}
	return nil
}
