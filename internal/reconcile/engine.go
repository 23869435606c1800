// SPDX-License-Identifier:Apache-2.0

// Package reconcile converges the host towards the EVPN associations found
// in the OVN southbound database. Event handlers and the reconciliation
// loops share one serialization domain: a single mutex guarding the tracked
// state and every dataplane or routing daemon write.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openperouter/ovn-evpn-agent/internal/accelerator"
	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/metrics"
	"github.com/openperouter/ovn-evpn-agent/internal/ovnsb"
	"github.com/openperouter/ovn-evpn-agent/internal/status"
	"github.com/openperouter/ovn-evpn-agent/internal/vlan"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Lister returns every binding currently associated upstream.
type Lister interface {
	ListBindings(ctx context.Context) ([]evpn.Binding, error)
}

// Provisioner owns the per network dataplane objects.
type Provisioner interface {
	Ensure(ctx context.Context, network evpn.NetworkInfo) (evpn.VrfInfo, error)
	Teardown(ctx context.Context, network evpn.NetworkInfo) error
	RemoveOrphans(ctx context.Context, desired []evpn.NetworkInfo) ([]uint32, error)
}

// VRFs is the read side of the VRF registry plus its drift repair.
type VRFs interface {
	Get(vni uint32) (evpn.VrfInfo, bool)
	Dependents(vni uint32) int
	List() []evpn.VrfInfo
	Reconcile(ctx context.Context) error
	AdoptOrphan(ctx context.Context, vni uint32) error
}

// Configurator applies the routing daemon configuration.
type Configurator interface {
	EnsureGlobalEvpnEnabled(ctx context.Context) error
	ConfigureVrf(ctx context.Context, vrf evpn.VrfInfo, networks []evpn.NetworkInfo) error
	RemoveVrf(ctx context.Context, vrf evpn.VrfInfo) error
}

// Accelerator pre-populates the dataplane for local ports.
type Accelerator interface {
	ExposePort(ctx context.Context, port evpn.PortAssociation, network evpn.NetworkInfo, vrf evpn.VrfInfo) error
	WithdrawPort(ctx context.Context, portID string) error
	Stats() accelerator.Stats
}

// VLANs allocates the bridge VLAN of each network.
type VLANs interface {
	Allocate(networkID string, vni uint32) (int, error)
	Release(networkID string)
	ReleaseStale(active sets.Set[string]) int
	Stats() vlan.Stats
}

// Refreshers run the IRB neighbor refreshers of symmetric networks.
type Refreshers interface {
	Start(ctx context.Context, network evpn.NetworkInfo)
	Stop(networkID string)
	StopStale(keep sets.Set[string])
	ActiveCount() int
}

// Observer records the outcome of the engine operations.
type Observer interface {
	ObserveFullSync(duration time.Duration, failed bool, at time.Time)
	ObserveFRRSync(err error)
	ObserveEvent(kind string, err error)
}

// Config holds the engine parameters.
type Config struct {
	// LocalChassis is the chassis name of this host, only ports bound to
	// it are accelerated.
	LocalChassis string
	Defaults     conversion.Defaults
}

// Collaborators are the components the engine drives. Refreshers may be
// nil when neighbor refresh is disabled.
type Collaborators struct {
	Lister       Lister
	Provisioner  Provisioner
	VRFs         VRFs
	Configurator Configurator
	Accelerator  Accelerator
	VLANs        VLANs
	Refreshers   Refreshers
	Status       status.StatusReporter
	Observer     Observer
}

// TrackedState is what the engine believes is provisioned on the host.
type TrackedState struct {
	Networks map[string]evpn.NetworkInfo
	Ports    map[string]evpn.PortAssociation
}

func newTrackedState() TrackedState {
	return TrackedState{
		Networks: map[string]evpn.NetworkInfo{},
		Ports:    map[string]evpn.PortAssociation{},
	}
}

type counts struct {
	networksByMode map[string]int
	ports          int
}

type Engine struct {
	cfg Config
	Collaborators
	logger *slog.Logger

	mu    sync.Mutex
	state TrackedState
	// associations holds, per datapath, the logical ports of the rows
	// associating it upstream. Rebuilt by every full sync.
	associations map[string]sets.Set[string]

	phase   atomic.Value
	counts  atomic.Pointer[counts]
	listErr atomic.Pointer[error]
}

func NewEngine(cfg Config, c Collaborators, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:           cfg,
		Collaborators: c,
		logger:        logger.With("component", "reconcile"),
		state:         newTrackedState(),
		associations:  map[string]sets.Set[string]{},
	}
	e.phase.Store(PhaseIdle)
	e.publish()
	return e
}

// Dispatch routes a watcher event to its handler.
func (e *Engine) Dispatch(ctx context.Context, ev ovnsb.Event) error {
	var err error
	switch ev.Kind {
	case ovnsb.NetworkAssociationCreated:
		err = e.NetworkAssociationCreated(ctx, ev.Binding)
	case ovnsb.NetworkAssociationRemoved:
		err = e.NetworkAssociationRemoved(ctx, ev.Binding)
	case ovnsb.PortAssociationCreated:
		err = e.PortAssociationCreated(ctx, ev.Binding)
	case ovnsb.PortAssociationRemoved:
		err = e.PortAssociationRemoved(ctx, ev.Binding)
	default:
		err = fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	e.Observer.ObserveEvent(ev.Kind.String(), err)
	return err
}

// NetworkAssociationCreated provisions the network the binding belongs to.
func (e *Engine) NetworkAssociationCreated(ctx context.Context, b evpn.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publish()

	e.associate(b)
	network, err := e.resolveNetwork(ctx, b)
	if err != nil {
		return err
	}
	return e.ensureNetwork(ctx, network)
}

// NetworkAssociationRemoved tears the network down when no association
// on its datapath is left.
func (e *Engine) NetworkAssociationRemoved(ctx context.Context, b evpn.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publish()

	e.dissociate(b)
	network, ok := e.state.Networks[b.DatapathID]
	if !ok {
		return nil
	}
	if e.stillAssociated(network.ID) {
		e.logger.DebugContext(ctx, "network still associated", "network", network.ID, "row", b.LogicalPort)
		return nil
	}
	return e.teardownNetwork(ctx, network)
}

// PortAssociationCreated tracks the port, provisioning its network first
// if needed, and accelerates it when bound to the local chassis.
func (e *Engine) PortAssociationCreated(ctx context.Context, b evpn.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publish()

	e.associate(b)
	port, err := conversion.ResolvePort(b)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping port", "port", b.LogicalPort, "error", err)
		e.Status.ReportResourceFailure(status.PortKind, b.LogicalPort, err)
		return err
	}

	if _, ok := e.state.Networks[port.NetworkID]; !ok {
		network, err := e.resolveNetwork(ctx, b)
		if err != nil {
			return err
		}
		if err := e.ensureNetwork(ctx, network); err != nil {
			return fmt.Errorf("failed to provision network of port %s: %w", port.ID, err)
		}
	}
	return e.ensurePort(ctx, port)
}

// PortAssociationRemoved withdraws the port. The owning network goes away
// with its last association.
func (e *Engine) PortAssociationRemoved(ctx context.Context, b evpn.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publish()

	var errs []error
	if _, ok := e.state.Ports[b.LogicalPort]; ok {
		errs = append(errs, e.removePort(ctx, b.LogicalPort))
	}

	e.dissociate(b)
	network, ok := e.state.Networks[b.DatapathID]
	if !ok {
		return errors.Join(errs...)
	}
	if !e.stillAssociated(network.ID) {
		errs = append(errs, e.teardownNetwork(ctx, network))
	}
	return errors.Join(errs...)
}

// State returns a copy of the tracked state.
func (e *Engine) State() TrackedState {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := newTrackedState()
	for id, n := range e.state.Networks {
		res.Networks[id] = n
	}
	for id, p := range e.state.Ports {
		res.Ports[id] = p
	}
	return res
}

func (e *Engine) resolveNetwork(ctx context.Context, b evpn.Binding) (evpn.NetworkInfo, error) {
	network, err := conversion.ResolveNetwork(b, e.cfg.Defaults)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping network", "network", b.DatapathID, "row", b.LogicalPort, "error", err)
		e.Status.ReportResourceFailure(status.NetworkKind, b.DatapathID, err)
		return evpn.NetworkInfo{}, err
	}
	return network, nil
}

// ensureNetwork must be called holding mu.
func (e *Engine) ensureNetwork(ctx context.Context, network evpn.NetworkInfo) error {
	logger := e.logger.With("network", network.ID, "vni", network.VNI)

	existing, tracked := e.state.Networks[network.ID]
	if tracked && (existing.VNI != network.VNI || existing.Mode != network.Mode) {
		logger.InfoContext(ctx, "network identity changed, recreating", "oldvni", existing.VNI, "oldmode", existing.Mode)
		if err := e.teardownNetwork(ctx, existing); err != nil {
			return err
		}
		tracked = false
	}

	vlanID, err := e.VLANs.Allocate(network.ID, network.VNI)
	if err != nil {
		e.Status.ReportResourceFailure(status.NetworkKind, network.ID, err)
		return fmt.Errorf("failed to allocate vlan for network %s: %w", network.ID, err)
	}
	network.BridgeVLAN = vlanID

	vrf, err := e.Provisioner.Ensure(ctx, network)
	if err != nil {
		// The provisioner rolled the network back, so it is not tracked anymore.
		delete(e.state.Networks, network.ID)
		e.dropPortsOf(ctx, network.ID)
		e.VLANs.Release(network.ID)
		if e.Refreshers != nil {
			e.Refreshers.Stop(network.ID)
		}
		e.Status.ReportResourceFailure(status.NetworkKind, network.ID, err)
		err = fmt.Errorf("failed to provision network %s: %w", network.ID, err)
		if tracked || e.VRFs.Dependents(network.VNI) > 0 {
			return errors.Join(err, e.settleVRF(ctx, network.VNI))
		}
		return err
	}
	e.state.Networks[network.ID] = network
	e.Status.ReportResourceSuccess(status.NetworkKind, network.ID)

	changed := !tracked || !sameNetwork(existing, network)
	if changed && e.Refreshers != nil && network.Mode == evpn.ModeSymmetricIRB {
		e.Refreshers.Start(ctx, network)
	}

	var errs []error
	if err := e.configureVRF(ctx, vrf); err != nil {
		errs = append(errs, err)
	}
	if changed {
		for _, port := range e.portsOf(network.ID) {
			errs = append(errs, e.ensurePort(ctx, port))
		}
	}
	if len(errs) == 0 {
		logger.InfoContext(ctx, "network provisioned", "vlan", network.BridgeVLAN, "vrf", vrf.Name)
	}
	return errors.Join(errs...)
}

// teardownNetwork must be called holding mu. On failure the network stays
// tracked so the next full sync retries.
func (e *Engine) teardownNetwork(ctx context.Context, network evpn.NetworkInfo) error {
	logger := e.logger.With("network", network.ID, "vni", network.VNI)

	e.dropPortsOf(ctx, network.ID)
	if e.Refreshers != nil {
		e.Refreshers.Stop(network.ID)
	}
	if err := e.Provisioner.Teardown(ctx, network); err != nil {
		e.Status.ReportResourceFailure(status.NetworkKind, network.ID, err)
		return fmt.Errorf("failed to tear down network %s: %w", network.ID, err)
	}
	delete(e.state.Networks, network.ID)
	e.VLANs.Release(network.ID)
	e.Status.ReportResourceRemoved(status.NetworkKind, network.ID)
	logger.InfoContext(ctx, "network removed")
	return e.settleVRF(ctx, network.VNI)
}

// settleVRF converges the routing configuration of a VNI that lost a
// network: the remaining networks are configured, the VRF configuration is
// removed when none is left. Must be called holding mu.
func (e *Engine) settleVRF(ctx context.Context, vni uint32) error {
	if e.VRFs.Dependents(vni) > 0 && len(e.networksOf(vni)) > 0 {
		vrf, _ := e.VRFs.Get(vni)
		return e.configureVRF(ctx, vrf)
	}
	vrf := evpn.VrfInfo{VNI: vni, Name: evpn.VRFName(vni), TableID: evpn.TableID(vni)}
	if err := e.Configurator.RemoveVrf(ctx, vrf); err != nil {
		e.Status.ReportResourceFailure(status.FRRKind, vrf.Name, err)
		return fmt.Errorf("failed to remove routing configuration of %s: %w", vrf.Name, err)
	}
	e.Status.ReportResourceRemoved(status.FRRKind, vrf.Name)
	return nil
}

// configureVRF applies the routing configuration of the VRF aggregated
// over the tracked networks sharing its VNI.
func (e *Engine) configureVRF(ctx context.Context, vrf evpn.VrfInfo) error {
	networks := e.networksOf(vrf.VNI)
	if len(networks) == 0 {
		return nil
	}
	if err := e.Configurator.ConfigureVrf(ctx, vrf, networks); err != nil {
		e.Status.ReportResourceFailure(status.FRRKind, vrf.Name, err)
		return fmt.Errorf("failed to configure routing for %s: %w", vrf.Name, err)
	}
	e.Status.ReportResourceSuccess(status.FRRKind, vrf.Name)
	return nil
}

// ensurePort must be called holding mu, with the port network tracked.
func (e *Engine) ensurePort(ctx context.Context, port evpn.PortAssociation) error {
	network, ok := e.state.Networks[port.NetworkID]
	if !ok {
		return fmt.Errorf("network %s of port %s is not provisioned", port.NetworkID, port.ID)
	}
	previous, tracked := e.state.Ports[port.ID]
	e.state.Ports[port.ID] = port

	if port.Chassis != e.cfg.LocalChassis {
		if tracked && previous.Chassis == e.cfg.LocalChassis {
			if err := e.Accelerator.WithdrawPort(ctx, port.ID); err != nil {
				e.Status.ReportResourceFailure(status.PortKind, port.ID, err)
				return fmt.Errorf("failed to withdraw port %s moved to %s: %w", port.ID, port.Chassis, err)
			}
		}
		e.Status.ReportResourceSuccess(status.PortKind, port.ID)
		return nil
	}

	vrf, ok := e.VRFs.Get(network.VNI)
	if !ok {
		err := fmt.Errorf("no vrf for vni %d", network.VNI)
		e.Status.ReportResourceFailure(status.PortKind, port.ID, err)
		return err
	}
	if err := e.Accelerator.ExposePort(ctx, port, network, vrf); err != nil {
		e.Status.ReportResourceFailure(status.PortKind, port.ID, err)
		return fmt.Errorf("failed to expose port %s: %w", port.ID, err)
	}
	e.Status.ReportResourceSuccess(status.PortKind, port.ID)
	e.logger.DebugContext(ctx, "port exposed", "port", port.ID, "network", network.ID)
	return nil
}

// removePort must be called holding mu.
func (e *Engine) removePort(ctx context.Context, portID string) error {
	if err := e.Accelerator.WithdrawPort(ctx, portID); err != nil {
		e.Status.ReportResourceFailure(status.PortKind, portID, err)
		return fmt.Errorf("failed to withdraw port %s: %w", portID, err)
	}
	delete(e.state.Ports, portID)
	e.Status.ReportResourceRemoved(status.PortKind, portID)
	return nil
}

// dropPortsOf forgets the ports of a network going away. Withdraw errors
// are only logged: the entries die with the network devices.
func (e *Engine) dropPortsOf(ctx context.Context, networkID string) {
	for _, port := range e.portsOf(networkID) {
		if err := e.Accelerator.WithdrawPort(ctx, port.ID); err != nil {
			e.logger.WarnContext(ctx, "failed to withdraw port of removed network", "port", port.ID, "network", networkID, "error", err)
		}
		delete(e.state.Ports, port.ID)
		e.Status.ReportResourceRemoved(status.PortKind, port.ID)
	}
}

func (e *Engine) associate(b evpn.Binding) {
	rows, ok := e.associations[b.DatapathID]
	if !ok {
		rows = sets.New[string]()
		e.associations[b.DatapathID] = rows
	}
	rows.Insert(b.LogicalPort)
}

func (e *Engine) dissociate(b evpn.Binding) {
	rows, ok := e.associations[b.DatapathID]
	if !ok {
		return
	}
	rows.Delete(b.LogicalPort)
	if rows.Len() == 0 {
		delete(e.associations, b.DatapathID)
	}
}

func (e *Engine) stillAssociated(networkID string) bool {
	return e.associations[networkID].Len() > 0
}

// networksOf returns the tracked networks of the VNI, sorted by id.
func (e *Engine) networksOf(vni uint32) []evpn.NetworkInfo {
	var res []evpn.NetworkInfo
	for _, n := range e.state.Networks {
		if n.VNI == vni {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (e *Engine) portsOf(networkID string) []evpn.PortAssociation {
	var res []evpn.PortAssociation
	for _, p := range e.state.Ports {
		if p.NetworkID == networkID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// publish refreshes the counters read by Snapshot, holding mu.
func (e *Engine) publish() {
	c := &counts{networksByMode: map[string]int{}, ports: len(e.state.Ports)}
	for _, n := range e.state.Networks {
		c.networksByMode[string(n.Mode)]++
	}
	e.counts.Store(c)
}

// Snapshot returns the state exported as gauges. It never waits for the
// serialization domain.
func (e *Engine) Snapshot() metrics.Snapshot {
	c := e.counts.Load()
	accel := e.Accelerator.Stats()
	vlans := e.VLANs.Stats()
	s := metrics.Snapshot{
		NetworksByMode:  map[string]int{},
		VRFs:            len(e.VRFs.List()),
		Ports:           c.ports,
		FDBEntries:      accel.FDB,
		NeighborEntries: accel.Neighbors,
		RouteEntries:    accel.Routes,
		VLANsAllocated:  vlans.Allocated,
		VLANsFree:       vlans.Free,
		VLANConflicts:   int(vlans.Conflicts),
	}
	for mode, n := range c.networksByMode {
		s.NetworksByMode[mode] = n
	}
	if e.Refreshers != nil {
		s.Refreshers = e.Refreshers.ActiveCount()
	}
	return s
}

// Health fails when the last full sync could not list the associations.
func (e *Engine) Health() error {
	if err := e.listErr.Load(); err != nil && *err != nil {
		return *err
	}
	return nil
}

func sameNetwork(a, b evpn.NetworkInfo) bool {
	return a.ID == b.ID &&
		a.VNI == b.VNI &&
		a.Mode == b.Mode &&
		a.BridgeVLAN == b.BridgeVLAN &&
		a.LocalTag == b.LocalTag &&
		a.MTU == b.MTU &&
		slices.Equal(a.GatewayIPs, b.GatewayIPs)
}
