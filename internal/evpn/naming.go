// SPDX-License-Identifier:Apache-2.0

package evpn

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// TableOffset keeps EVPN VRF tables clear of the main/local/default tables
	// and of anything an operator configures by hand.
	TableOffset = 1000000

	MaxVNI  = 1<<24 - 1
	MaxVLAN = 4094

	vrfPrefix     = "vrf-"
	vxlanPrefix   = "vxlan-"
	IngressPrefix = "evpn-"

	// MaxInterfaceName is the longest Linux interface name.
	MaxInterfaceName = 15
)

// TableID returns the routing table backing the VRF of the given VNI.
func TableID(vni uint32) uint32 {
	return vni + TableOffset
}

// VRFName returns the VRF device name for the given VNI.
func VRFName(vni uint32) string {
	return fmt.Sprintf("%s%d", vrfPrefix, vni)
}

// VXLanName returns the tunnel interface name for the given VNI.
func VXLanName(vni uint32) string {
	return fmt.Sprintf("%s%d", vxlanPrefix, vni)
}

// IngressPortName returns the name of the OVS internal port handing the
// traffic of the network owning the given bridge VLAN from the integration
// bridge to the EVPN bridge.
func IngressPortName(vlan int) string {
	return fmt.Sprintf("%s%d", IngressPrefix, vlan)
}

// IRBName returns the VLAN subinterface of the EVPN bridge acting as the
// routed interface of a network.
func IRBName(bridge string, vlan int) string {
	return fmt.Sprintf("%s.%d", bridge, vlan)
}

// VNIFromVRFName parses the VNI out of a VRF device name.
func VNIFromVRFName(name string) (uint32, error) {
	return vniFromName(name, vrfPrefix)
}

// VNIFromVXLanName parses the VNI out of a tunnel interface name.
func VNIFromVXLanName(name string) (uint32, error) {
	return vniFromName(name, vxlanPrefix)
}

// VLANFromIngressName parses the bridge VLAN out of an ingress port name.
func VLANFromIngressName(name string) (int, error) {
	if !strings.HasPrefix(name, IngressPrefix) {
		return 0, NotEVPNNameError{Name: name}
	}
	vlan, err := strconv.Atoi(strings.TrimPrefix(name, IngressPrefix))
	if err != nil {
		return 0, fmt.Errorf("failed to get vlan for ingress port %s: %w", name, err)
	}
	if vlan < 1 || vlan > MaxVLAN {
		return 0, fmt.Errorf("vlan %d of %s out of range", vlan, name)
	}
	return vlan, nil
}

// VLANFromIRBName parses the bridge VLAN out of an IRB name.
func VLANFromIRBName(bridge, name string) (int, error) {
	prefix := bridge + "."
	if !strings.HasPrefix(name, prefix) {
		return 0, NotEVPNNameError{Name: name}
	}
	vlan, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, fmt.Errorf("failed to get vlan for irb %s: %w", name, err)
	}
	return vlan, nil
}

func vniFromName(name, prefix string) (uint32, error) {
	if !strings.HasPrefix(name, prefix) {
		return 0, NotEVPNNameError{Name: name}
	}
	vni, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to get vni for %s: %w", name, err)
	}
	if vni == 0 || vni > MaxVNI {
		return 0, fmt.Errorf("vni %d of %s out of range", vni, name)
	}
	return uint32(vni), nil
}

// NotEVPNNameError is returned when a device name was not produced by this package.
type NotEVPNNameError struct {
	Name string
}

func (e NotEVPNNameError) Error() string {
	return fmt.Sprintf("%s is not an evpn interface", e.Name)
}
