// SPDX-License-Identifier:Apache-2.0

package conversion

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
)

const (
	minMTU = 68
	maxMTU = 65535
)

var (
	interfaceNameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
	communityRegexp     = regexp.MustCompile(`^([0-9]+|[0-9]+\.[0-9]+\.[0-9]+\.[0-9]+):([0-9]+)$`)
)

func parseVNI(value string) (uint32, error) {
	vni, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return 0, ResolutionError{Key: VNIKey, Value: value, Reason: "not a number"}
	}
	if vni == 0 || vni > evpn.MaxVNI {
		return 0, ResolutionError{Key: VNIKey, Value: value, Reason: fmt.Sprintf("must be in 1..%d", evpn.MaxVNI)}
	}
	return uint32(vni), nil
}

func parseASN(value string) (uint32, error) {
	asn, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return 0, ResolutionError{Key: ASKey, Value: value, Reason: "not a number"}
	}
	if asn == 0 {
		return 0, ResolutionError{Key: ASKey, Value: value, Reason: fmt.Sprintf("must be in 1..%d", uint32(math.MaxUint32))}
	}
	return uint32(asn), nil
}

func parseMode(value string) (evpn.Mode, error) {
	switch strings.TrimSpace(value) {
	case "", string(evpn.ModeRoutingOnly):
		return evpn.ModeRoutingOnly, nil
	case string(evpn.ModeSymmetricIRB):
		return evpn.ModeSymmetricIRB, nil
	}
	return "", ResolutionError{Key: TypeKey, Value: value, Reason: "must be l2 or l3"}
}

func parseLocalPref(value string) (*uint32, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	pref, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return nil, ResolutionError{Key: LocalPrefKey, Value: value, Reason: "must be in 0..4294967295"}
	}
	res := uint32(pref)
	return &res, nil
}

func parseMTU(value string, fallback int) (int, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	mtu, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || mtu < minMTU || mtu > maxMTU {
		return 0, ResolutionError{Key: MTUKey, Value: value, Reason: fmt.Sprintf("must be in %d..%d", minMTU, maxMTU)}
	}
	return mtu, nil
}

// validateCommunity checks route targets and route distinguishers, both
// written as ASN:NN or IPv4:NN.
func validateCommunity(key, value string) error {
	m := communityRegexp.FindStringSubmatch(value)
	if m == nil {
		return ResolutionError{Key: key, Value: value, Reason: "must be ASN:NN or IPv4:NN"}
	}
	local, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return ResolutionError{Key: key, Value: value, Reason: "invalid assigned number"}
	}
	if ip := net.ParseIP(m[1]); ip != nil {
		if ip.To4() == nil {
			return ResolutionError{Key: key, Value: value, Reason: "administrator must be an IPv4 address"}
		}
		if local > math.MaxUint16 {
			return ResolutionError{Key: key, Value: value, Reason: "assigned number must fit 16 bits with an IPv4 administrator"}
		}
		return nil
	}
	if strings.Contains(m[1], ".") {
		return ResolutionError{Key: key, Value: value, Reason: "invalid IPv4 administrator"}
	}
	asn, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || asn > math.MaxUint32 {
		return ResolutionError{Key: key, Value: value, Reason: "administrator must fit 32 bits"}
	}
	if asn > math.MaxUint16 && local > math.MaxUint16 {
		return ResolutionError{Key: key, Value: value, Reason: "assigned number must fit 16 bits with a 4 byte ASN"}
	}
	if local > math.MaxUint32 {
		return ResolutionError{Key: key, Value: value, Reason: "assigned number must fit 32 bits"}
	}
	return nil
}

// validateGateway rejects gateway addresses that are the network or the
// broadcast address of their IPv4 subnet.
func validateGateway(p netip.Prefix) error {
	if !p.Addr().Is4() || p.Bits() >= 31 {
		return nil
	}
	_, ipNet, err := net.ParseCIDR(p.String())
	if err != nil {
		return fmt.Errorf("invalid gateway %s: %w", p, err)
	}
	first, last := cidr.AddressRange(ipNet)
	addr := net.IP(p.Addr().AsSlice())
	if addr.Equal(first) || addr.Equal(last) {
		return fmt.Errorf("gateway %s is not a host address", p)
	}
	return nil
}

// ValidInterfaceName checks the name is usable as a Linux interface name.
func ValidInterfaceName(name string) bool {
	if len(name) == 0 || len(name) > evpn.MaxInterfaceName {
		return false
	}
	return interfaceNameRegexp.MatchString(name)
}
