// SPDX-License-Identifier:Apache-2.0

package ovnsb

import (
	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/sbmodel"
)

// Kind is the kind of association change an event carries.
type Kind int

const (
	NetworkAssociationCreated Kind = iota
	NetworkAssociationRemoved
	PortAssociationCreated
	PortAssociationRemoved
)

func (k Kind) String() string {
	switch k {
	case NetworkAssociationCreated:
		return "NetworkAssociationCreated"
	case NetworkAssociationRemoved:
		return "NetworkAssociationRemoved"
	case PortAssociationCreated:
		return "PortAssociationCreated"
	case PortAssociationRemoved:
		return "PortAssociationRemoved"
	}
	return "Unknown"
}

// Created tells whether the event adds (or refreshes) an association.
func (k Kind) Created() bool {
	return k == NetworkAssociationCreated || k == PortAssociationCreated
}

// Event is one association change, carrying the row it was derived from.
type Event struct {
	Kind    Kind
	Binding evpn.Binding
}

func kindFor(scope conversion.Scope, created bool) Kind {
	switch {
	case scope == conversion.ScopeNetwork && created:
		return NetworkAssociationCreated
	case scope == conversion.ScopeNetwork:
		return NetworkAssociationRemoved
	case created:
		return PortAssociationCreated
	}
	return PortAssociationRemoved
}

type change struct {
	kind Kind
	row  *sbmodel.PortBinding
}

func matches(row *sbmodel.PortBinding) bool {
	return row != nil && conversion.Matches(row.Type, row.ExternalIDs)
}

func created(row *sbmodel.PortBinding) change {
	return change{kind: kindFor(conversion.ScopeOf(row.Type), true), row: row}
}

func removed(row *sbmodel.PortBinding) change {
	return change{kind: kindFor(conversion.ScopeOf(row.Type), false), row: row}
}

// changes returns the association changes produced by a row transition.
// old is nil on insert, new is nil on delete.
func changes(old, new *sbmodel.PortBinding) []change {
	oldMatch, newMatch := matches(old), matches(new)
	switch {
	case !oldMatch && !newMatch:
		return nil
	case !oldMatch:
		return []change{created(new)}
	case !newMatch:
		return []change{removed(old)}
	}
	// Both rows match: an update.
	if conversion.VNIOf(old.ExternalIDs) != conversion.VNIOf(new.ExternalIDs) ||
		conversion.ScopeOf(old.Type) != conversion.ScopeOf(new.Type) {
		return []change{removed(old), created(new)}
	}
	return []change{created(new)}
}
