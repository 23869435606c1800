// SPDX-License-Identifier:Apache-2.0

package conversion

const annotationPrefix = "neutron_bgpvpn:"

// Annotation keys carried in the port binding external ids.
const (
	VNIKey               = annotationPrefix + "vni"
	ASKey                = annotationPrefix + "as"
	TypeKey              = annotationPrefix + "type"
	RouteTargetsKey      = annotationPrefix + "rt"
	RouteDistinguishKey  = annotationPrefix + "rd"
	ImportTargetsKey     = annotationPrefix + "it"
	ExportTargetsKey     = annotationPrefix + "et"
	LocalPrefKey         = annotationPrefix + "local_pref"
	RoutesKey            = annotationPrefix + "routes"
	AdvertiseFixedIPsKey = annotationPrefix + "advertise_fixed_ips"

	// MTUKey lives on the datapath binding.
	MTUKey = "neutron:mtu"
)

// Scope tells which kind of association a port binding row produces.
type Scope int

const (
	ScopeNone Scope = iota
	// ScopeNetwork rows are router interfaces attaching a network: they
	// describe the network as a whole.
	ScopeNetwork
	// ScopePort rows are workload ports.
	ScopePort
)

func (s Scope) String() string {
	switch s {
	case ScopeNetwork:
		return "network"
	case ScopePort:
		return "port"
	}
	return "none"
}

// ScopeOf classifies a port binding row by its OVN type.
func ScopeOf(rowType string) Scope {
	switch rowType {
	case "patch", "l3gateway", "chassisredirect":
		return ScopeNetwork
	case "", "virtual", "external":
		return ScopePort
	}
	return ScopeNone
}

// Matches is the association predicate: a row participates in EVPN when it
// carries both a VNI and an AS annotation, and its type is one we handle.
func Matches(rowType string, annotations map[string]string) bool {
	if ScopeOf(rowType) == ScopeNone {
		return false
	}
	if annotations[VNIKey] == "" || annotations[ASKey] == "" {
		return false
	}
	return true
}

// VNIOf returns the raw VNI annotation, used to detect VNI changes on
// update without resolving the whole row.
func VNIOf(annotations map[string]string) string {
	return annotations[VNIKey]
}
