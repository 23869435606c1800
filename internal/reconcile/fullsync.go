// SPDX-License-Identifier:Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/status"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Phase is the step the full reconciliation is in.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseListing      Phase = "listing"
	PhaseProvisioning Phase = "provisioning"
	PhaseCleaning     Phase = "cleaning"
)

// Phase returns the current full reconciliation phase.
func (e *Engine) Phase() Phase {
	return e.phase.Load().(Phase)
}

// datapathGroup is what the listing knows about one network.
type datapathGroup struct {
	id             string
	representative evpn.Binding
	ports          []evpn.Binding
}

// FullSync recomputes the tracked state from the associations listed
// upstream, provisions what is missing and removes what is gone. A failure
// on one network or port does not stop the others.
func (e *Engine) FullSync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publish()
	defer e.phase.Store(PhaseIdle)

	start := time.Now()
	e.logger.InfoContext(ctx, "full sync start")

	e.phase.Store(PhaseListing)
	bindings, listErr := e.Lister.ListBindings(ctx)
	e.listErr.Store(&listErr)
	if listErr != nil {
		e.Observer.ObserveFullSync(time.Since(start), true, time.Now())
		return fmt.Errorf("full sync: failed to list associations: %w", listErr)
	}
	e.associations = map[string]sets.Set[string]{}
	for _, b := range bindings {
		e.associate(b)
	}
	groups := groupByDatapath(bindings)

	e.phase.Store(PhaseProvisioning)
	var errs []error
	desiredNetworks := sets.New[string]()
	desiredPorts := sets.New[string]()
	for _, g := range groups {
		resolved, err := e.syncGroup(ctx, g)
		if err != nil {
			errs = append(errs, err)
		}
		if !resolved {
			continue
		}
		desiredNetworks.Insert(g.id)
		for _, b := range g.ports {
			desiredPorts.Insert(b.LogicalPort)
		}
	}

	e.phase.Store(PhaseCleaning)
	errs = append(errs, e.clean(ctx, desiredNetworks, desiredPorts)...)

	err := errors.Join(errs...)
	e.Observer.ObserveFullSync(time.Since(start), err != nil, time.Now())
	e.logger.InfoContext(ctx, "full sync end", "networks", len(e.state.Networks), "ports", len(e.state.Ports),
		"failures", len(errs), "duration", time.Since(start))
	return err
}

// syncGroup provisions one network and its ports, holding mu. A network
// whose rows no longer resolve is reported as not resolved, so the cleaning
// phase removes it.
func (e *Engine) syncGroup(ctx context.Context, g datapathGroup) (bool, error) {
	network, err := e.resolveNetwork(ctx, g.representative)
	if err != nil {
		return false, err
	}
	if err := e.ensureNetwork(ctx, network); err != nil {
		e.logger.ErrorContext(ctx, "failed to provision network", "network", network.ID, "error", err)
		if _, ok := e.state.Networks[network.ID]; !ok {
			return true, err
		}
		// Routing configuration failures leave the network tracked, the
		// ports are still exposed.
	}

	var errs []error
	for _, b := range g.ports {
		port, err := conversion.ResolvePort(b)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping port", "port", b.LogicalPort, "error", err)
			e.Status.ReportResourceFailure(status.PortKind, b.LogicalPort, err)
			errs = append(errs, err)
			continue
		}
		if err := e.ensurePort(ctx, port); err != nil {
			e.logger.ErrorContext(ctx, "failed to expose port", "port", port.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// clean removes what is tracked but no longer listed, then sweeps the
// host for objects nobody explains.
func (e *Engine) clean(ctx context.Context, desiredNetworks, desiredPorts sets.Set[string]) []error {
	var errs []error

	for _, id := range sets.List(sets.KeySet(e.state.Ports)) {
		port := e.state.Ports[id]
		if desiredPorts.Has(id) || !desiredNetworks.Has(port.NetworkID) {
			continue
		}
		e.logger.InfoContext(ctx, "removing stale port", "port", id)
		if err := e.removePort(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range sets.List(sets.KeySet(e.state.Networks)) {
		if desiredNetworks.Has(id) {
			continue
		}
		e.logger.InfoContext(ctx, "removing stale network", "network", id)
		if err := e.teardownNetwork(ctx, e.state.Networks[id]); err != nil {
			errs = append(errs, err)
		}
	}

	tracked := sets.KeySet(e.state.Networks)
	if released := e.VLANs.ReleaseStale(tracked); released > 0 {
		e.logger.InfoContext(ctx, "released stale vlans", "count", released)
	}

	desired := make([]evpn.NetworkInfo, 0, len(e.state.Networks))
	for _, id := range sets.List(tracked) {
		desired = append(desired, e.state.Networks[id])
	}
	orphans, err := e.Provisioner.RemoveOrphans(ctx, desired)
	if err != nil {
		errs = append(errs, err)
	}
	for _, vni := range orphans {
		if err := e.removeOrphanVRF(ctx, vni); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.VRFs.Reconcile(ctx); err != nil {
		e.Status.ReportResourceFailure(status.VRFKind, "registry", err)
		errs = append(errs, fmt.Errorf("failed to repair vrfs: %w", err))
	} else {
		e.Status.ReportResourceSuccess(status.VRFKind, "registry")
	}

	if e.Refreshers != nil {
		symmetric := sets.New[string]()
		for id, n := range e.state.Networks {
			if n.Mode == evpn.ModeSymmetricIRB {
				symmetric.Insert(id)
			}
		}
		e.Refreshers.StopStale(symmetric)
	}
	return errs
}

// removeOrphanVRF drops the routing configuration of a VRF device the
// registry does not know, then applies the persistence policy to it.
func (e *Engine) removeOrphanVRF(ctx context.Context, vni uint32) error {
	if _, known := e.VRFs.Get(vni); known {
		return nil
	}
	vrf := evpn.VrfInfo{VNI: vni, Name: evpn.VRFName(vni), TableID: evpn.TableID(vni)}
	e.logger.InfoContext(ctx, "found vrf without networks", "vrf", vrf.Name)
	var errs []error
	if err := e.Configurator.RemoveVrf(ctx, vrf); err != nil {
		e.Status.ReportResourceFailure(status.FRRKind, vrf.Name, err)
		errs = append(errs, fmt.Errorf("failed to remove routing configuration of orphan %s: %w", vrf.Name, err))
	}
	if err := e.VRFs.AdoptOrphan(ctx, vni); err != nil {
		e.Status.ReportResourceFailure(status.VRFKind, vrf.Name, err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// groupByDatapath groups the bindings per network, sorted by network id.
// The representative of a network is its first network scoped row by
// logical port, else its first port row.
func groupByDatapath(bindings []evpn.Binding) []datapathGroup {
	sorted := make([]evpn.Binding, len(bindings))
	copy(sorted, bindings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LogicalPort < sorted[j].LogicalPort })

	byID := map[string]*datapathGroup{}
	hasNetworkRow := sets.New[string]()
	for _, b := range sorted {
		g, ok := byID[b.DatapathID]
		if !ok {
			g = &datapathGroup{id: b.DatapathID, representative: b}
			byID[b.DatapathID] = g
		}
		if conversion.ScopeOf(b.Type) == conversion.ScopeNetwork {
			if !hasNetworkRow.Has(b.DatapathID) {
				g.representative = b
				hasNetworkRow.Insert(b.DatapathID)
			}
			continue
		}
		g.ports = append(g.ports, b)
	}

	res := make([]datapathGroup, 0, len(byID))
	for _, id := range sets.List(sets.KeySet(byID)) {
		res = append(res, *byID[id])
	}
	return res
}
