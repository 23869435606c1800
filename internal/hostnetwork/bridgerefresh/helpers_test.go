// SPDX-License-Identifier:Apache-2.0

//go:build runasroot
// +build runasroot

package bridgerefresh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/netnamespace"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// setupTestNS creates the named namespace, dropping a leftover one first,
// and returns its path.
func setupTestNS(name string) string {
	GinkgoHelper()
	teardownTestNS(name)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = origin.Close() }()

	created, err := netns.NewNamed(name)
	Expect(err).NotTo(HaveOccurred())
	_ = created.Close()
	Expect(netns.Set(origin)).To(Succeed())
	return filepath.Join("/var/run/netns", name)
}

func teardownTestNS(name string) {
	GinkgoHelper()
	if err := netns.DeleteNamed(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		Expect(err).NotTo(HaveOccurred())
	}
}

// irbFixture stands in for the IRB of a network: a bridge device named
// after the network VLAN and carrying its gateway addresses.
type irbFixture struct {
	nsPath string
	name   string
}

func newIRBFixture(nsPath, bridge string, network evpn.NetworkInfo, mac string) irbFixture {
	GinkgoHelper()
	f := irbFixture{nsPath: nsPath, name: evpn.IRBName(bridge, network.BridgeVLAN)}
	f.do(func() error {
		attrs := netlink.LinkAttrs{Name: f.name}
		if mac != "" {
			hw, err := net.ParseMAC(mac)
			if err != nil {
				return err
			}
			attrs.HardwareAddr = hw
		}
		if err := netlink.LinkAdd(&netlink.Bridge{LinkAttrs: attrs}); err != nil {
			return fmt.Errorf("failed to create %s: %w", f.name, err)
		}
		link, err := netlink.LinkByName(f.name)
		if err != nil {
			return err
		}
		for _, gw := range network.GatewayIPs {
			addr := &netlink.Addr{IPNet: &net.IPNet{
				IP:   gw.Addr().AsSlice(),
				Mask: net.CIDRMask(gw.Bits(), gw.Addr().BitLen()),
			}}
			if err := netlink.AddrAdd(link, addr); err != nil {
				return fmt.Errorf("failed to add %s to %s: %w", gw, f.name, err)
			}
		}
		return netlink.LinkSetUp(link)
	})
	return f
}

// neighbor adds a neighbor entry in the given NUD state behind the IRB.
func (f irbFixture) neighbor(ip, mac string, state int) {
	GinkgoHelper()
	f.do(func() error {
		link, err := netlink.LinkByName(f.name)
		if err != nil {
			return err
		}
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return err
		}
		return netlink.NeighAdd(&netlink.Neigh{
			LinkIndex:    link.Attrs().Index,
			State:        state,
			IP:           net.ParseIP(ip),
			HardwareAddr: hw,
		})
	})
}

func (f irbFixture) do(fn func() error) {
	GinkgoHelper()
	ns, err := netns.GetFromPath(f.nsPath)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = ns.Close() }()
	Expect(netnamespace.In(ns, fn)).To(Succeed())
}
