// SPDX-License-Identifier:Apache-2.0

package evpn

import (
	"net/netip"
)

// Mode selects how a network is stretched over the fabric.
type Mode string

const (
	// ModeSymmetricIRB carries both L2 (MAC/IP) and L3 reachability:
	// the network gets a bridge VLAN, an IRB and a tunnel-ingress port.
	ModeSymmetricIRB Mode = "l2"
	// ModeRoutingOnly only carries prefixes inside the VRF.
	ModeRoutingOnly Mode = "l3"
)

// NetworkInfo is the resolved, validated description of one EVPN enabled
// tenant network. It is immutable once built; a change upstream produces
// a new value.
type NetworkInfo struct {
	ID                  string
	LocalTag            int
	BridgeVLAN          int
	VNI                 uint32
	Mode                Mode
	ASN                 uint32
	RouteTargets        []string
	RouteDistinguishers []string
	ImportTargets       []string
	ExportTargets       []string
	LocalPref           *uint32
	MTU                 int
	GatewayIPs          []netip.Prefix
}

// VrfInfo is the per VNI routing instance, shared by every network
// carrying the same VNI.
type VrfInfo struct {
	VNI     uint32
	Name    string
	TableID uint32
	// DependentNetworks is ordered by acquisition.
	DependentNetworks []string
}

// HasDependents tells whether any network still references the VRF.
func (v VrfInfo) HasDependents() bool {
	return len(v.DependentNetworks) > 0
}

// CustomRoute is an extra prefix to install in the VRF table.
type CustomRoute struct {
	Destination netip.Prefix
	NextHop     netip.Addr
}

// PortAssociation is a port level binding to an EVPN network.
type PortAssociation struct {
	ID                string
	NetworkID         string
	Chassis           string
	MAC               string
	FixedIPs          []netip.Addr
	AdvertiseFixedIPs bool
	CustomRoutes      []CustomRoute
}

// Binding is a snapshot of one OVN port binding row, with the bits of its
// datapath needed to resolve it. It is the only place raw annotations
// travel.
type Binding struct {
	LogicalPort string
	Type        string
	DatapathID  string
	Chassis     string
	// Annotations are the row external ids.
	Annotations map[string]string
	MAC         []string
	// DatapathAnnotations are the datapath binding external ids.
	DatapathAnnotations map[string]string
	// LocalnetTag is the tag of the localnet port on the same datapath, 0 when none.
	LocalnetTag int
	// RouterAddresses are the mac column values of router ports on the datapath.
	RouterAddresses []string
}
