// SPDX-License-Identifier:Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the point in time state reported as gauges.
type Snapshot struct {
	NetworksByMode  map[string]int
	VRFs            int
	Ports           int
	FDBEntries      int
	NeighborEntries int
	RouteEntries    int
	VLANsAllocated  int
	VLANsFree       int
	VLANConflicts   int
	FailedByKind    map[string]int
	Refreshers      int
}

// stateGauges are refreshed from a Snapshot before every scrape.
type stateGauges struct {
	networks   *prometheus.GaugeVec
	vrfs       prometheus.Gauge
	ports      prometheus.Gauge
	entries    *prometheus.GaugeVec
	vlans      *prometheus.GaugeVec
	failed     *prometheus.GaugeVec
	refreshers prometheus.Gauge
}

func newStateGauges(reg prometheus.Registerer) *stateGauges {
	g := &stateGauges{
		networks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "networks",
			Help:      "Tracked EVPN networks, by mode.",
		}, []string{"mode"}),
		vrfs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vrfs",
			Help:      "VRFs known to the registry.",
		}),
		ports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports",
			Help:      "Tracked port associations.",
		}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accelerated_entries",
			Help:      "Static entries installed for local ports, by type.",
		}, []string{"type"}),
		vlans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_vlans",
			Help:      "Bridge VLAN allocator state.",
		}, []string{"state"}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_resources",
			Help:      "Resources whose last operation failed, by kind.",
		}, []string{"kind"}),
		refreshers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbor_refreshers",
			Help:      "Running IRB neighbor refreshers.",
		}),
	}
	reg.MustRegister(g.networks, g.vrfs, g.ports, g.entries, g.vlans, g.failed, g.refreshers)
	return g
}

func (g *stateGauges) update(s Snapshot) {
	g.networks.Reset()
	for mode, n := range s.NetworksByMode {
		g.networks.WithLabelValues(mode).Set(float64(n))
	}
	g.vrfs.Set(float64(s.VRFs))
	g.ports.Set(float64(s.Ports))
	g.entries.WithLabelValues("fdb").Set(float64(s.FDBEntries))
	g.entries.WithLabelValues("neighbor").Set(float64(s.NeighborEntries))
	g.entries.WithLabelValues("route").Set(float64(s.RouteEntries))
	g.vlans.WithLabelValues("allocated").Set(float64(s.VLANsAllocated))
	g.vlans.WithLabelValues("free").Set(float64(s.VLANsFree))
	g.vlans.WithLabelValues("conflicts").Set(float64(s.VLANConflicts))
	g.failed.Reset()
	for kind, n := range s.FailedByKind {
		g.failed.WithLabelValues(kind).Set(float64(n))
	}
	g.refreshers.Set(float64(s.Refreshers))
}
