// SPDX-License-Identifier:Apache-2.0

package bridgerefresh

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/netnamespace"
	"github.com/vishvananda/netns"
)

const (
	// DefaultRefreshPeriod is how often to check and refresh neighbor entries.
	DefaultRefreshPeriod = 60 * time.Second
)

// Options configures optional parameters of a Refresher.
type Options struct {
	RefreshPeriod time.Duration
	// Namespace is the path of the network namespace holding the IRB,
	// empty for the current one.
	Namespace string
}

// Refresher keeps the neighbors learned on the IRB of a symmetric IRB
// network alive. It periodically probes STALE neighbors (ARP for IPv4,
// neighbor solicitations for IPv6) so that the EVPN Type-2 routes derived
// from them are not withdrawn. Replies refresh the bridge FDB as well.
type Refresher struct {
	irb           string
	vni           uint32
	gateways      []netip.Addr
	namespace     string
	refreshPeriod time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a refresher for the IRB of the network. Call Start to begin
// the refresh loop.
func New(bridge string, network evpn.NetworkInfo, opts Options) *Refresher {
	gateways := make([]netip.Addr, 0, len(network.GatewayIPs))
	for _, p := range network.GatewayIPs {
		gateways = append(gateways, p.Addr())
	}
	irb := evpn.IRBName(bridge, network.BridgeVLAN)
	if len(gateways) == 0 {
		slog.Debug("no gateway IPs configured, refresher will skip probes", "irb", irb, "vni", network.VNI)
	}

	refreshPeriod := DefaultRefreshPeriod
	if opts.RefreshPeriod > 0 {
		refreshPeriod = opts.RefreshPeriod
	}
	return &Refresher{
		irb:           irb,
		vni:           network.VNI,
		gateways:      gateways,
		namespace:     opts.Namespace,
		refreshPeriod: refreshPeriod,
	}
}

// Start begins the refresh loop in the background.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	slog.Info("started neighbor refresher", "irb", r.irb, "vni", r.vni)
}

// Stop stops the refresher and waits for it to finish.
func (r *Refresher) Stop() {
	r.cancel()
	r.wg.Wait()
	slog.Info("stopped neighbor refresher", "irb", r.irb)
}

func (r *Refresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *Refresher) refresh() {
	if r.namespace == "" {
		r.refreshStaleNeighbors()
		return
	}

	ns, err := netns.GetFromPath(r.namespace)
	if err != nil {
		slog.Debug("failed to get namespace for refresh", "namespace", r.namespace, "error", err)
		return
	}
	defer func() {
		if err := ns.Close(); err != nil {
			slog.Debug("failed to close namespace", "namespace", r.namespace, "error", err)
		}
	}()

	if err := netnamespace.In(ns, func() error {
		r.refreshStaleNeighbors()
		return nil
	}); err != nil {
		slog.Debug("failed to execute refresh in namespace", "namespace", r.namespace, "error", err)
	}
}

// refreshStaleNeighbors probes the STALE neighbors of every family the
// IRB has a gateway address for.
func (r *Refresher) refreshStaleNeighbors() int {
	sent := 0
	if src, ok := r.gatewayOf(true); ok {
		sent += r.probeFamily(familyV4, func(n staleNeighbor) error { return r.sendARPProbe(src, n) })
	}
	if _, ok := r.gatewayOf(false); ok {
		sent += r.probeFamily(familyV6, r.sendNSProbe)
	}
	return sent
}

func (r *Refresher) probeFamily(family int, probe func(staleNeighbor) error) int {
	neighbors, err := listStaleNeighbors(r.irb, family)
	if err != nil {
		slog.Debug("failed to list stale neighbors", "irb", r.irb, "error", err)
		return 0
	}
	sent := 0
	for _, n := range neighbors {
		if err := probe(n); err != nil {
			slog.Debug("failed to send probe", "ip", n.IP, "mac", n.MAC, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		slog.Debug("sent probes to stale neighbors", "irb", r.irb, "count", sent)
	}
	return sent
}

func (r *Refresher) gatewayOf(ipv4 bool) (netip.Addr, bool) {
	for _, g := range r.gateways {
		if g.Is4() == ipv4 {
			return g, true
		}
	}
	return netip.Addr{}, false
}
