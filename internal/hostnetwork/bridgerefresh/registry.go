// SPDX-License-Identifier:Apache-2.0

package bridgerefresh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Registry runs one refresher per symmetric IRB network.
type Registry struct {
	bridge string
	opts   Options

	mu         sync.Mutex
	refreshers map[string]*Refresher
}

func NewRegistry(bridge string, opts Options) *Registry {
	return &Registry{
		bridge:     bridge,
		opts:       opts,
		refreshers: map[string]*Refresher{},
	}
}

// Start starts a refresher for the network, replacing the existing one.
func (r *Registry) Start(ctx context.Context, network evpn.NetworkInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.refreshers[network.ID]; ok {
		existing.Stop()
		delete(r.refreshers, network.ID)
	}
	refresher := New(r.bridge, network, r.opts)
	refresher.Start(ctx)
	r.refreshers[network.ID] = refresher
}

// Stop stops the refresher of the given network, if any.
func (r *Registry) Stop(networkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refresher, ok := r.refreshers[networkID]
	if !ok {
		return
	}
	refresher.Stop()
	delete(r.refreshers, networkID)
}

// StopStale stops the refreshers of the networks not in keep.
func (r *Registry) StopStale(keep sets.Set[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, refresher := range r.refreshers {
		if keep.Has(id) {
			continue
		}
		refresher.Stop()
		delete(r.refreshers, id)
		slog.Info("stopped refresher for removed network", "network", id)
	}
}

// StopAll stops every refresher. Called on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, refresher := range r.refreshers {
		refresher.Stop()
		delete(r.refreshers, id)
	}
	slog.Info("stopped all neighbor refreshers")
}

// ActiveCount returns the number of running refreshers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refreshers)
}
