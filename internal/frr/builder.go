// SPDX-License-Identifier:Apache-2.0

package frr

import (
	"fmt"
	"math"
	"net/netip"
	"slices"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"k8s.io/apimachinery/pkg/util/sets"
)

// VRFConfig is the desired routing daemon state of one EVPN VRF.
type VRFConfig struct {
	VRF           string
	VNI           uint32
	ASN           uint32
	Redistribute  []string
	RD            string
	ImportTargets []string
	ExportTargets []string
	LocalPref     *uint32
}

func (c VRFConfig) routeMapName() string {
	return "LOCAL_PREF_" + c.VRF
}

// BuildVRFConfig aggregates the networks sharing a VRF into a single
// configuration. Networks are considered in acquisition order: the first
// one carrying an RD, an ASN or a local preference wins; route targets are
// the sorted union of all of them. Without an RD, <vtep>:<vni> is used
// when the VNI fits the 16 bit assigned number of an IPv4 RD, otherwise
// the RD is left to the daemon.
func BuildVRFConfig(vrf evpn.VrfInfo, networks []evpn.NetworkInfo, vtep netip.Addr, redistribute []string, fallbackASN uint32) VRFConfig {
	res := VRFConfig{
		VRF:          vrf.Name,
		VNI:          vrf.VNI,
		Redistribute: slices.Clone(redistribute),
	}

	byID := make(map[string]evpn.NetworkInfo, len(networks))
	for _, n := range networks {
		byID[n.ID] = n
	}
	ordered := make([]evpn.NetworkInfo, 0, len(networks))
	for _, id := range vrf.DependentNetworks {
		if n, ok := byID[id]; ok {
			ordered = append(ordered, n)
		}
	}

	imports := sets.New[string]()
	exports := sets.New[string]()
	for _, n := range ordered {
		if res.ASN == 0 {
			res.ASN = n.ASN
		}
		if res.RD == "" && len(n.RouteDistinguishers) > 0 {
			res.RD = n.RouteDistinguishers[0]
		}
		if res.LocalPref == nil && n.LocalPref != nil {
			pref := *n.LocalPref
			res.LocalPref = &pref
		}
		imports.Insert(n.RouteTargets...)
		imports.Insert(n.ImportTargets...)
		exports.Insert(n.RouteTargets...)
		exports.Insert(n.ExportTargets...)
	}
	if res.ASN == 0 {
		res.ASN = fallbackASN
	}
	if res.RD == "" && vtep.Is4() && vrf.VNI <= math.MaxUint16 {
		res.RD = fmt.Sprintf("%s:%d", vtep, vrf.VNI)
	}
	res.ImportTargets = sets.List(imports)
	res.ExportTargets = sets.List(exports)
	return res
}

// GlobalEVPNBlock enables automatic VNI discovery on the default instance.
func GlobalEVPNBlock(asn uint32) Block {
	return Block{
		Name: "global-evpn",
		Statements: []Statement{
			{
				Command: fmt.Sprintf("router bgp %d", asn),
				Children: []Statement{
					{
						Command:  "address-family l2vpn evpn",
						Children: []Statement{leaf("advertise-all-vni")},
						Exit:     "exit-address-family",
					},
				},
				Exit: "exit",
			},
		},
	}
}

// VRFBlock returns the statements converging the daemon from previous (nil
// when the VRF was never configured) to desired.
func VRFBlock(desired VRFConfig, previous *VRFConfig) Block {
	var stmts []Statement
	if desired.LocalPref != nil {
		stmts = append(stmts, Statement{
			Command:  fmt.Sprintf("route-map %s permit 10", desired.routeMapName()),
			Children: []Statement{leaf(fmt.Sprintf("set local-preference %d", *desired.LocalPref))},
			Exit:     "exit",
		})
	}

	stmts = append(stmts, Statement{
		Command:  "vrf " + desired.VRF,
		Children: []Statement{leaf(fmt.Sprintf("vni %d", desired.VNI))},
		Exit:     "exit-vrf",
	})

	if previous != nil && previous.ASN != desired.ASN {
		stmts = append(stmts, leaf(fmt.Sprintf("no router bgp %d vrf %s", previous.ASN, desired.VRF)))
		previous = nil
	}
	router := Statement{
		Command: fmt.Sprintf("router bgp %d vrf %s", desired.ASN, desired.VRF),
		Exit:    "exit",
	}
	for _, family := range []string{"ipv4", "ipv6"} {
		router.Children = append(router.Children, Statement{
			Command:  fmt.Sprintf("address-family %s unicast", family),
			Children: redistributeStatements(desired, previous),
			Exit:     "exit-address-family",
		})
	}
	router.Children = append(router.Children, Statement{
		Command:  "address-family l2vpn evpn",
		Children: evpnStatements(desired, previous),
		Exit:     "exit-address-family",
	})
	stmts = append(stmts, router)

	if previous != nil && previous.LocalPref != nil && desired.LocalPref == nil {
		stmts = append(stmts, leaf("no route-map "+previous.routeMapName()))
	}
	return Block{Name: desired.VRF, Statements: stmts}
}

func redistributeStatements(desired VRFConfig, previous *VRFConfig) []Statement {
	var res []Statement
	if previous != nil {
		for _, r := range previous.Redistribute {
			if !slices.Contains(desired.Redistribute, r) {
				res = append(res, leaf("no redistribute "+r))
			}
		}
	}
	for _, r := range desired.Redistribute {
		res = append(res, leaf("redistribute "+r))
	}
	return res
}

func evpnStatements(desired VRFConfig, previous *VRFConfig) []Statement {
	var res []Statement
	for _, family := range []string{"ipv4", "ipv6"} {
		cmd := fmt.Sprintf("advertise %s unicast", family)
		if desired.LocalPref != nil {
			cmd += " route-map " + desired.routeMapName()
		} else if previous != nil && previous.LocalPref != nil {
			res = append(res, leaf(fmt.Sprintf("no advertise %s unicast route-map %s", family, previous.routeMapName())))
		}
		res = append(res, leaf(cmd))
	}

	if previous != nil && previous.RD != "" && previous.RD != desired.RD {
		res = append(res, leaf("no rd "+previous.RD))
	}
	if desired.RD != "" {
		res = append(res, leaf("rd "+desired.RD))
	}

	if previous != nil {
		for _, rt := range previous.ImportTargets {
			if !slices.Contains(desired.ImportTargets, rt) {
				res = append(res, leaf("no route-target import "+rt))
			}
		}
		for _, rt := range previous.ExportTargets {
			if !slices.Contains(desired.ExportTargets, rt) {
				res = append(res, leaf("no route-target export "+rt))
			}
		}
	}
	for _, rt := range desired.ImportTargets {
		res = append(res, leaf("route-target import "+rt))
	}
	for _, rt := range desired.ExportTargets {
		res = append(res, leaf("route-target export "+rt))
	}
	return res
}

// RemoveVRFBlock removes the BGP instance of the VRF and unbinds its VNI.
// The vrf stanza itself stays: the daemon refuses to delete a VRF whose
// kernel device still exists.
func RemoveVRFBlock(vrf string, vni, asn uint32, routeMap bool) Block {
	stmts := []Statement{
		leaf(fmt.Sprintf("no router bgp %d vrf %s", asn, vrf)),
		{
			Command:  "vrf " + vrf,
			Children: []Statement{leaf(fmt.Sprintf("no vni %d", vni))},
			Exit:     "exit-vrf",
		},
	}
	if routeMap {
		stmts = append(stmts, leaf("no route-map LOCAL_PREF_"+vrf))
	}
	return Block{Name: vrf, Statements: stmts}
}
