// SPDX-License-Identifier:Apache-2.0

package conversion

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
)

// Defaults are the values used when a binding does not carry them.
type Defaults struct {
	MTU int
}

// ResolveNetwork turns a representative binding of a network into a
// validated NetworkInfo. The bridge VLAN is left unset, it is assigned by
// the allocator.
func ResolveNetwork(b evpn.Binding, defaults Defaults) (evpn.NetworkInfo, error) {
	res := evpn.NetworkInfo{ID: b.DatapathID}
	if b.DatapathID == "" {
		return evpn.NetworkInfo{}, fmt.Errorf("binding %s has no datapath", b.LogicalPort)
	}

	vni, err := requiredVNI(b.Annotations)
	if err != nil {
		return evpn.NetworkInfo{}, err
	}
	res.VNI = vni

	asValue, ok := b.Annotations[ASKey]
	if !ok || asValue == "" {
		return evpn.NetworkInfo{}, IncompleteError{Key: ASKey}
	}
	if res.ASN, err = parseASN(asValue); err != nil {
		return evpn.NetworkInfo{}, err
	}

	if res.Mode, err = parseMode(b.Annotations[TypeKey]); err != nil {
		return evpn.NetworkInfo{}, err
	}

	lists := []struct {
		key string
		to  *[]string
	}{
		{RouteTargetsKey, &res.RouteTargets},
		{RouteDistinguishKey, &res.RouteDistinguishers},
		{ImportTargetsKey, &res.ImportTargets},
		{ExportTargetsKey, &res.ExportTargets},
	}
	for _, l := range lists {
		values := parseList(b.Annotations[l.key])
		for _, v := range values {
			if err := validateCommunity(l.key, v); err != nil {
				return evpn.NetworkInfo{}, err
			}
		}
		*l.to = values
	}

	if res.LocalPref, err = parseLocalPref(b.Annotations[LocalPrefKey]); err != nil {
		return evpn.NetworkInfo{}, err
	}

	if res.MTU, err = parseMTU(b.DatapathAnnotations[MTUKey], defaults.MTU); err != nil {
		return evpn.NetworkInfo{}, err
	}

	if res.GatewayIPs, err = parseRouterAddresses(b.RouterAddresses); err != nil {
		return evpn.NetworkInfo{}, err
	}

	res.LocalTag = b.LocalnetTag
	if res.LocalTag < 0 || res.LocalTag > evpn.MaxVLAN {
		return evpn.NetworkInfo{}, ResolutionError{
			Key:    "localnet tag",
			Value:  strconv.Itoa(res.LocalTag),
			Reason: fmt.Sprintf("must be between 1 and %d", evpn.MaxVLAN),
		}
	}
	if res.Mode == evpn.ModeSymmetricIRB && res.LocalTag == 0 {
		return evpn.NetworkInfo{}, IncompleteError{Key: "localnet tag"}
	}
	return res, nil
}

// ResolvePort turns a workload port binding into a PortAssociation.
func ResolvePort(b evpn.Binding) (evpn.PortAssociation, error) {
	if _, err := requiredVNI(b.Annotations); err != nil {
		return evpn.PortAssociation{}, err
	}
	res := evpn.PortAssociation{
		ID:                b.LogicalPort,
		NetworkID:         b.DatapathID,
		Chassis:           b.Chassis,
		AdvertiseFixedIPs: true,
	}

	var err error
	if len(b.MAC) > 0 {
		res.MAC, res.FixedIPs, err = parsePortAddresses(b.MAC[0])
		if err != nil {
			return evpn.PortAssociation{}, err
		}
	}

	if v := strings.TrimSpace(b.Annotations[AdvertiseFixedIPsKey]); v != "" {
		res.AdvertiseFixedIPs, err = strconv.ParseBool(v)
		if err != nil {
			return evpn.PortAssociation{}, ResolutionError{Key: AdvertiseFixedIPsKey, Value: v, Reason: "must be a boolean"}
		}
	}

	if res.CustomRoutes, err = parseRoutes(b.Annotations[RoutesKey]); err != nil {
		return evpn.PortAssociation{}, err
	}
	return res, nil
}

func requiredVNI(annotations map[string]string) (uint32, error) {
	value, ok := annotations[VNIKey]
	if !ok || value == "" {
		return 0, IncompleteError{Key: VNIKey}
	}
	return parseVNI(value)
}

// parseList accepts a JSON list of strings, or a bare value taken as a
// single element list.
func parseList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var res []string
	if err := json.Unmarshal([]byte(value), &res); err == nil {
		cleaned := make([]string, 0, len(res))
		for _, v := range res {
			if v = strings.TrimSpace(v); v != "" {
				cleaned = append(cleaned, v)
			}
		}
		return cleaned
	}
	return []string{value}
}

type routeAnnotation struct {
	Destination string `json:"destination"`
	NextHop     string `json:"nexthop"`
}

func parseRoutes(value string) ([]evpn.CustomRoute, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var routes []routeAnnotation
	if err := json.Unmarshal([]byte(value), &routes); err != nil {
		return nil, ResolutionError{Key: RoutesKey, Value: value, Reason: "must be a json list of destination/nexthop"}
	}
	res := make([]evpn.CustomRoute, 0, len(routes))
	for _, r := range routes {
		dst, err := netip.ParsePrefix(r.Destination)
		if err != nil {
			return nil, ResolutionError{Key: RoutesKey, Value: r.Destination, Reason: "invalid destination"}
		}
		nh, err := netip.ParseAddr(r.NextHop)
		if err != nil {
			return nil, ResolutionError{Key: RoutesKey, Value: r.NextHop, Reason: "invalid nexthop"}
		}
		if dst.Addr().Is4() != nh.Is4() {
			return nil, ResolutionError{Key: RoutesKey, Value: r.NextHop, Reason: "nexthop family differs from destination"}
		}
		res = append(res, evpn.CustomRoute{Destination: dst.Masked(), NextHop: nh})
	}
	return res, nil
}

// parsePortAddresses parses the OVN "<mac> <ip> <ip>..." address format.
func parsePortAddresses(value string) (string, []netip.Addr, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 || fields[0] == "unknown" || fields[0] == "router" || fields[0] == "dynamic" {
		return "", nil, nil
	}
	mac, err := net.ParseMAC(fields[0])
	if err != nil {
		return "", nil, ResolutionError{Key: "mac", Value: value, Reason: "invalid mac address"}
	}
	ips := make([]netip.Addr, 0, len(fields)-1)
	for _, f := range fields[1:] {
		f, _, _ = strings.Cut(f, "/")
		ip, err := netip.ParseAddr(f)
		if err != nil {
			return "", nil, ResolutionError{Key: "mac", Value: value, Reason: "invalid ip address"}
		}
		ips = append(ips, ip)
	}
	return mac.String(), ips, nil
}

// parseRouterAddresses collects the gateway addresses of the router ports
// attached to a network, each in "<mac> <ip>/<len>..." form.
func parseRouterAddresses(values []string) ([]netip.Prefix, error) {
	var res []netip.Prefix
	seen := map[netip.Prefix]bool{}
	for _, value := range values {
		fields := strings.Fields(value)
		if len(fields) < 2 {
			continue
		}
		for _, f := range fields[1:] {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, ResolutionError{Key: "gateway", Value: f, Reason: "must be address/prefix-length"}
			}
			if err := validateGateway(p); err != nil {
				return nil, ResolutionError{Key: "gateway", Value: f, Reason: err.Error()}
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			res = append(res, p)
		}
	}
	return res, nil
}
