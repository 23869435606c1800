// SPDX-License-Identifier:Apache-2.0

// Package vlan hands out the bridge VLANs that isolate EVPN networks on the
// shared EVPN bridge. Allocations are keyed by network and only live in
// memory: they are rebuilt from the southbound database on restart.
package vlan

import (
	"fmt"
	"log/slog"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Stats reports the allocator counters.
type Stats struct {
	Allocated   int
	Free        int
	Allocations uint64
	Releases    uint64
	Conflicts   uint64
}

// ExhaustedError is returned when no VLAN is left in the range.
type ExhaustedError struct {
	Min, Max int
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("no free vlan left in range %d-%d", e.Min, e.Max)
}

type Allocator struct {
	min, max int
	logger   *slog.Logger

	mu        sync.Mutex
	byNetwork map[string]int
	byVLAN    map[int]string
	free      sets.Set[int]
	stats     Stats
}

// NewAllocator returns an allocator for the inclusive range [min, max].
func NewAllocator(min, max int, logger *slog.Logger) (*Allocator, error) {
	if min < 1 || max > 4094 || min > max {
		return nil, fmt.Errorf("invalid vlan range %d-%d", min, max)
	}
	free := sets.New[int]()
	for v := min; v <= max; v++ {
		free.Insert(v)
	}
	return &Allocator{
		min:       min,
		max:       max,
		logger:    logger,
		byNetwork: map[string]int{},
		byVLAN:    map[int]string{},
		free:      free,
	}, nil
}

// Allocate returns the VLAN of the network, allocating one if needed. The
// VNI itself is used when it falls in the range and is free, otherwise the
// range is probed starting from a position derived from the VNI.
func (a *Allocator) Allocate(networkID string, vni uint32) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if vlan, ok := a.byNetwork[networkID]; ok {
		return vlan, nil
	}

	var vlan int
	inRange := int64(vni) >= int64(a.min) && int64(vni) <= int64(a.max)
	if inRange && a.free.Has(int(vni)) {
		vlan = int(vni)
	} else {
		var err error
		vlan, err = a.probe(vni)
		if err != nil {
			return 0, err
		}
		if inRange {
			a.stats.Conflicts++
			a.logger.Debug("vlan occupied, probing", "vni", vni, "vlan", vlan)
		}
	}

	a.byNetwork[networkID] = vlan
	a.byVLAN[vlan] = networkID
	a.free.Delete(vlan)
	a.stats.Allocations++
	a.logger.Info("allocated vlan", "network", networkID, "vni", vni, "vlan", vlan)
	return vlan, nil
}

func (a *Allocator) probe(vni uint32) (int, error) {
	size := uint64(a.max - a.min + 1)
	for offset := uint64(0); offset < size; offset++ {
		candidate := int((uint64(vni)+offset)%size) + a.min
		if a.free.Has(candidate) {
			return candidate, nil
		}
	}
	return 0, ExhaustedError{Min: a.min, Max: a.max}
}

// Release returns the network VLAN to the pool. Unknown networks are ignored.
func (a *Allocator) Release(networkID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release(networkID)
}

func (a *Allocator) release(networkID string) {
	vlan, ok := a.byNetwork[networkID]
	if !ok {
		return
	}
	delete(a.byNetwork, networkID)
	delete(a.byVLAN, vlan)
	a.free.Insert(vlan)
	a.stats.Releases++
	a.logger.Info("released vlan", "network", networkID, "vlan", vlan)
}

// ReleaseStale releases every allocation whose network is not in active.
func (a *Allocator) ReleaseStale(active sets.Set[string]) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	stale := 0
	for networkID := range a.byNetwork {
		if active.Has(networkID) {
			continue
		}
		a.release(networkID)
		stale++
	}
	if stale > 0 {
		a.logger.Warn("released stale vlan allocations", "count", stale)
	}
	return stale
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.stats
	res.Allocated = len(a.byNetwork)
	res.Free = a.free.Len()
	return res
}
