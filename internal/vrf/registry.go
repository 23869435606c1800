// SPDX-License-Identifier:Apache-2.0

// Package vrf tracks the per VNI routing instances and who depends on them.
package vrf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
)

// Devices creates and removes the kernel VRF devices.
type Devices interface {
	EnsureVRF(ctx context.Context, name string, table uint32) error
	DeleteVRF(ctx context.Context, name string) error
}

// Registry maps VNIs to VRFs. A VRF device is created on the first
// acquisition for its VNI and, unless persistent, deleted when the last
// dependent network releases it.
type Registry struct {
	devices    Devices
	persistent bool
	logger     *slog.Logger

	mu   sync.Mutex
	vrfs map[uint32]*evpn.VrfInfo
}

// NewRegistry returns a registry. With persistent set, devices outlive
// their last dependent and are reused on the next acquisition.
func NewRegistry(devices Devices, persistent bool, logger *slog.Logger) *Registry {
	return &Registry{
		devices:    devices,
		persistent: persistent,
		logger:     logger,
		vrfs:       map[uint32]*evpn.VrfInfo{},
	}
}

// Acquire records the network as a dependent of the VNI VRF, creating the
// VRF on first reference. Acquiring twice for the same network is a no-op.
func (r *Registry) Acquire(ctx context.Context, vni uint32, networkID string) (evpn.VrfInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.vrfs[vni]
	if ok && slices.Contains(info.DependentNetworks, networkID) {
		return copyInfo(info), nil
	}

	if !ok || !info.HasDependents() {
		candidate := newInfo(vni)
		if err := r.devices.EnsureVRF(ctx, candidate.Name, candidate.TableID); err != nil {
			return evpn.VrfInfo{}, fmt.Errorf("failed to create vrf for vni %d: %w", vni, err)
		}
		if !ok {
			info = &candidate
			r.vrfs[vni] = info
			r.logger.InfoContext(ctx, "vrf created", "vrf", info.Name, "table", info.TableID)
		}
	}

	info.DependentNetworks = append(info.DependentNetworks, networkID)
	r.logger.DebugContext(ctx, "vrf acquired", "vrf", info.Name, "network", networkID, "dependents", len(info.DependentNetworks))
	return copyInfo(info), nil
}

// Release drops the network from the VNI VRF and returns how many
// dependents remain. When none remain the device is deleted, unless the
// registry is persistent.
func (r *Registry) Release(ctx context.Context, vni uint32, networkID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.vrfs[vni]
	if !ok {
		return 0, nil
	}
	info.DependentNetworks = slices.DeleteFunc(info.DependentNetworks, func(n string) bool { return n == networkID })
	remaining := len(info.DependentNetworks)
	if remaining > 0 {
		return remaining, nil
	}

	if r.persistent {
		r.logger.InfoContext(ctx, "vrf has no dependents, keeping it", "vrf", info.Name)
		return 0, nil
	}
	if err := r.devices.DeleteVRF(ctx, info.Name); err != nil {
		return 0, fmt.Errorf("failed to delete vrf %s: %w", info.Name, err)
	}
	delete(r.vrfs, vni)
	r.logger.InfoContext(ctx, "vrf deleted", "vrf", info.Name)
	return 0, nil
}

// Get returns the VRF of the given VNI.
func (r *Registry) Get(vni uint32) (evpn.VrfInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.vrfs[vni]
	if !ok {
		return evpn.VrfInfo{}, false
	}
	return copyInfo(info), true
}

// Dependents returns how many networks reference the VNI VRF.
func (r *Registry) Dependents(vni uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.vrfs[vni]
	if !ok {
		return 0
	}
	return len(info.DependentNetworks)
}

// List returns every known VRF, sorted by VNI.
func (r *Registry) List() []evpn.VrfInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]evpn.VrfInfo, 0, len(r.vrfs))
	for _, info := range r.vrfs {
		res = append(res, copyInfo(info))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].VNI < res[j].VNI })
	return res
}

// Reconcile re-ensures the devices of all the retained VRFs, repairing
// devices removed behind our back.
func (r *Registry) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, info := range r.vrfs {
		if err := r.devices.EnsureVRF(ctx, info.Name, info.TableID); err != nil {
			errs = append(errs, fmt.Errorf("vrf %s: %w", info.Name, err))
		}
	}
	return errors.Join(errs...)
}

// AdoptOrphan handles a VRF device found on the host that the registry
// does not know about, typically left over by a previous run. It is kept
// as a dependent-less entry when persistent, deleted otherwise.
func (r *Registry) AdoptOrphan(ctx context.Context, vni uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vrfs[vni]; ok {
		return nil
	}
	info := newInfo(vni)
	if r.persistent {
		r.vrfs[vni] = &info
		r.logger.InfoContext(ctx, "adopted existing vrf", "vrf", info.Name)
		return nil
	}
	if err := r.devices.DeleteVRF(ctx, info.Name); err != nil {
		return fmt.Errorf("failed to delete orphan vrf %s: %w", info.Name, err)
	}
	r.logger.InfoContext(ctx, "deleted orphan vrf", "vrf", info.Name)
	return nil
}

func newInfo(vni uint32) evpn.VrfInfo {
	return evpn.VrfInfo{
		VNI:     vni,
		Name:    evpn.VRFName(vni),
		TableID: evpn.TableID(vni),
	}
}

func copyInfo(info *evpn.VrfInfo) evpn.VrfInfo {
	res := *info
	res.DependentNetworks = slices.Clone(info.DependentNetworks)
	return res
}
