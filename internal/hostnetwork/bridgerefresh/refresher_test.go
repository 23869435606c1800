// SPDX-License-Identifier:Apache-2.0

//go:build runasroot
// +build runasroot

package bridgerefresh

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/netnamespace"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"k8s.io/apimachinery/pkg/util/sets"
)

var _ = Describe("Refresher", func() {
	const (
		testNSName = "bridgerefreshtest"
		bridge     = "brt"
	)

	var nsPath string

	network := func(vlan int, gateways ...string) evpn.NetworkInfo {
		n := evpn.NetworkInfo{ID: fmt.Sprintf("net%d", vlan), VNI: uint32(vlan), BridgeVLAN: vlan}
		for _, g := range gateways {
			n.GatewayIPs = append(n.GatewayIPs, netip.MustParsePrefix(g))
		}
		return n
	}

	inNS := func(fn func() error) error {
		ns, err := netns.GetFromPath(nsPath)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = ns.Close() }()
		return netnamespace.In(ns, fn)
	}

	BeforeEach(func() {
		nsPath = setupTestNS(testNSName)
	})

	AfterEach(func() {
		teardownTestNS(testNSName)
	})

	It("should derive the irb and gateways from the network", func() {
		r := New(bridge, network(100, "192.168.1.1/24", "2001:db8::1/64"), Options{Namespace: nsPath})
		Expect(r.irb).To(Equal("brt.100"))
		Expect(r.gateways).To(HaveLen(2))
		Expect(r.refreshPeriod).To(Equal(DefaultRefreshPeriod))

		src, ok := r.gatewayOf(true)
		Expect(ok).To(BeTrue())
		Expect(src.String()).To(Equal("192.168.1.1"))
		src, ok = r.gatewayOf(false)
		Expect(ok).To(BeTrue())
		Expect(src.String()).To(Equal("2001:db8::1"))

		custom := New(bridge, network(101), Options{RefreshPeriod: 5 * time.Second})
		Expect(custom.refreshPeriod).To(Equal(5 * time.Second))
		_, ok = custom.gatewayOf(true)
		Expect(ok).To(BeFalse())
	})

	It("should list only stale neighbors carrying a mac", func() {
		irb := newIRBFixture(nsPath, bridge, network(200), "")
		irb.neighbor("192.168.2.10", "02:00:00:00:00:01", netlink.NUD_STALE)
		irb.neighbor("192.168.2.11", "02:00:00:00:00:01", netlink.NUD_REACHABLE)

		var stale []staleNeighbor
		Expect(inNS(func() error {
			var err error
			stale, err = listStaleNeighbors(irb.name, familyV4)
			return err
		})).To(Succeed())
		Expect(stale).To(HaveLen(1))
		Expect(stale[0].IP.String()).To(Equal("192.168.2.10"))
	})

	It("should probe stale neighbors through arp", func() {
		tenant := network(300, "192.168.3.1/24")
		irb := newIRBFixture(nsPath, bridge, tenant, "02:00:00:00:03:00")
		irb.neighbor("192.168.3.10", "02:00:00:00:00:02", netlink.NUD_STALE)

		r := New(bridge, tenant, Options{Namespace: nsPath})
		var sent int
		Expect(inNS(func() error {
			sent = r.refreshStaleNeighbors()
			return nil
		})).To(Succeed())
		Expect(sent).To(Equal(1))
	})

	It("should reject probes of the wrong family", func() {
		r := New(bridge, network(400, "192.168.4.1/24"), Options{})
		mac, _ := net.ParseMAC("02:00:00:00:00:03")
		err := r.sendARPProbe(netip.MustParseAddr("192.168.4.1"), staleNeighbor{IP: netip.MustParseAddr("2001:db8::10"), MAC: mac})
		Expect(err).To(MatchError(ContainSubstring("not IPv4")))
		err = r.sendNSProbe(staleNeighbor{IP: netip.MustParseAddr("192.168.4.10"), MAC: mac})
		Expect(err).To(MatchError(ContainSubstring("not IPv6")))
	})

	It("should stop when the context is cancelled", func() {
		r := New(bridge, network(500, "192.168.5.1/24"), Options{Namespace: nsPath})
		ctx, cancel := context.WithCancel(context.Background())
		r.Start(ctx)
		cancel()
		r.wg.Wait()
	})
})

var _ = Describe("Registry", func() {
	It("should track one refresher per network", func() {
		registry := NewRegistry("brt", Options{RefreshPeriod: time.Hour})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		registry.Start(ctx, evpn.NetworkInfo{ID: "a", BridgeVLAN: 100})
		registry.Start(ctx, evpn.NetworkInfo{ID: "b", BridgeVLAN: 101})
		registry.Start(ctx, evpn.NetworkInfo{ID: "a", BridgeVLAN: 100})
		Expect(registry.ActiveCount()).To(Equal(2))

		registry.StopStale(sets.New("b"))
		Expect(registry.ActiveCount()).To(Equal(1))

		registry.Stop("missing")
		registry.Stop("b")
		Expect(registry.ActiveCount()).To(Equal(0))

		registry.Start(ctx, evpn.NetworkInfo{ID: "c", BridgeVLAN: 102})
		registry.StopAll()
		Expect(registry.ActiveCount()).To(Equal(0))
	})
})
