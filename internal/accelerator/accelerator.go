// SPDX-License-Identifier:Apache-2.0

// Package accelerator pre-populates forwarding, neighbor and route entries
// for locally bound ports, so their traffic does not wait for flooding or
// address resolution.
package accelerator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
)

// Dataplane is where entries are installed.
type Dataplane interface {
	AddStaticFDB(device string, mac net.HardwareAddr, vlan int) error
	DelStaticFDB(device string, mac net.HardwareAddr, vlan int) error
	AddStaticNeighbor(device string, ip netip.Addr, mac net.HardwareAddr) error
	DelStaticNeighbor(device string, ip netip.Addr, mac net.HardwareAddr) error
	AddRoute(table uint32, dst netip.Prefix, nexthop netip.Addr) error
	DelRoute(table uint32, dst netip.Prefix, nexthop netip.Addr) error
}

// Options are the reloadable toggles.
type Options struct {
	StaticFDB       bool
	StaticNeighbors bool
}

// Stats counts the installed entries.
type Stats struct {
	Ports     int
	FDB       int
	Neighbors int
	Routes    int
}

// Accelerator tracks which port owns each installed entry. An entry has a
// single owner: a port wanting an entry another port already installed
// neither owns it nor removes it.
type Accelerator struct {
	dp     Dataplane
	bridge string
	logger *slog.Logger

	mu     sync.Mutex
	opts   Options
	owners map[entry]string
	ports  map[string][]entry
}

// New returns an accelerator for ports behind the given EVPN bridge.
func New(dp Dataplane, bridge string, opts Options, logger *slog.Logger) *Accelerator {
	return &Accelerator{
		dp:     dp,
		bridge: bridge,
		opts:   opts,
		logger: logger.With("component", "accelerator"),
		owners: map[entry]string{},
		ports:  map[string][]entry{},
	}
}

// SetOptions changes the toggles. Entries no longer allowed are removed
// the next time their port is exposed.
func (a *Accelerator) SetOptions(opts Options) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts = opts
}

// ExposePort installs the entries the port needs and removes those it
// owns and no longer needs.
func (a *Accelerator) ExposePort(ctx context.Context, port evpn.PortAssociation, network evpn.NetworkInfo, vrf evpn.VrfInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	desired, err := a.entriesFor(port, network, vrf)
	if err != nil {
		return err
	}
	wanted := map[entry]bool{}
	for _, e := range desired {
		wanted[e] = true
	}

	var errs []error
	var owned []entry
	for _, e := range a.ports[port.ID] {
		if wanted[e] {
			owned = append(owned, e)
			continue
		}
		if err := a.remove(e); err != nil {
			errs = append(errs, err)
			owned = append(owned, e)
			continue
		}
		delete(a.owners, e)
	}

	for _, e := range desired {
		owner, ok := a.owners[e]
		if ok && owner == port.ID {
			continue
		}
		if ok {
			a.logger.DebugContext(ctx, "entry owned by another port", "port", port.ID, "owner", owner, "entry", e)
			continue
		}
		if err := a.install(e); err != nil {
			errs = append(errs, err)
			continue
		}
		a.owners[e] = port.ID
		owned = append(owned, e)
	}

	if len(owned) == 0 {
		delete(a.ports, port.ID)
	} else {
		a.ports[port.ID] = owned
	}
	a.logger.DebugContext(ctx, "port exposed", "port", port.ID, "network", network.ID, "entries", len(owned))
	return errors.Join(errs...)
}

// WithdrawPort removes every entry the port owns. Entries that fail to be
// removed stay tracked, so a later withdraw retries them.
func (a *Accelerator) WithdrawPort(ctx context.Context, portID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	var left []entry
	for _, e := range a.ports[portID] {
		if err := a.remove(e); err != nil {
			errs = append(errs, err)
			left = append(left, e)
			continue
		}
		delete(a.owners, e)
	}
	if len(left) == 0 {
		delete(a.ports, portID)
	} else {
		a.ports[portID] = left
	}
	a.logger.DebugContext(ctx, "port withdrawn", "port", portID, "left", len(left))
	return errors.Join(errs...)
}

func (a *Accelerator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Ports: len(a.ports)}
	for e := range a.owners {
		switch e.kind {
		case kindFDB:
			s.FDB++
		case kindNeighbor:
			s.Neighbors++
		case kindRoute:
			s.Routes++
		}
	}
	return s
}

func (a *Accelerator) entriesFor(port evpn.PortAssociation, network evpn.NetworkInfo, vrf evpn.VrfInfo) ([]entry, error) {
	var res []entry
	if port.MAC != "" {
		if _, err := net.ParseMAC(port.MAC); err != nil {
			return nil, fmt.Errorf("invalid mac %q for port %s: %w", port.MAC, port.ID, err)
		}
		if a.opts.StaticFDB && network.Mode == evpn.ModeSymmetricIRB {
			res = append(res, entry{
				kind:   kindFDB,
				device: evpn.IngressPortName(network.BridgeVLAN),
				mac:    port.MAC,
				vlan:   network.BridgeVLAN,
			})
		}
		if a.opts.StaticNeighbors && port.AdvertiseFixedIPs {
			for _, ip := range port.FixedIPs {
				res = append(res, entry{
					kind:   kindNeighbor,
					device: evpn.IRBName(a.bridge, network.BridgeVLAN),
					mac:    port.MAC,
					ip:     ip,
				})
			}
		}
	}
	for _, r := range port.CustomRoutes {
		res = append(res, entry{
			kind:    kindRoute,
			table:   vrf.TableID,
			dst:     r.Destination.Masked(),
			nexthop: r.NextHop,
		})
	}
	return res, nil
}
