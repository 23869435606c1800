// SPDX-License-Identifier:Apache-2.0

// Package sbmodel holds the libovsdb models of the OVN_Southbound tables
// the agent monitors. Only the columns the agent reads are mapped.
package sbmodel

import (
	"github.com/ovn-kubernetes/libovsdb/model"
)

const (
	DatabaseName = "OVN_Southbound"

	PortBindingTable     = "Port_Binding"
	DatapathBindingTable = "Datapath_Binding"
	ChassisTable         = "Chassis"
)

// Port binding types, from the type column.
const (
	PortTypeVIF             = ""
	PortTypePatch           = "patch"
	PortTypeL3Gateway       = "l3gateway"
	PortTypeChassisRedirect = "chassisredirect"
	PortTypeVirtual         = "virtual"
	PortTypeExternal        = "external"
	PortTypeLocalnet        = "localnet"
)

// PortBinding is a row of Port_Binding.
type PortBinding struct {
	UUID        string            `ovsdb:"_uuid"`
	LogicalPort string            `ovsdb:"logical_port"`
	Type        string            `ovsdb:"type"`
	Datapath    string            `ovsdb:"datapath"`
	Chassis     *string           `ovsdb:"chassis"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	MAC         []string          `ovsdb:"mac"`
	Options     map[string]string `ovsdb:"options"`
	Tag         *int              `ovsdb:"tag"`
	TunnelKey   int               `ovsdb:"tunnel_key"`
}

// DatapathBinding is a row of Datapath_Binding.
type DatapathBinding struct {
	UUID        string            `ovsdb:"_uuid"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	TunnelKey   int               `ovsdb:"tunnel_key"`
}

// Chassis is a row of Chassis.
type Chassis struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Hostname    string            `ovsdb:"hostname"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// FullDatabaseModel returns the client model to connect with.
func FullDatabaseModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel(DatabaseName, map[string]model.Model{
		PortBindingTable:     &PortBinding{},
		DatapathBindingTable: &DatapathBinding{},
		ChassisTable:         &Chassis{},
	})
}
