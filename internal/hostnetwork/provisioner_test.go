// SPDX-License-Identifier:Apache-2.0

//go:build runasroot
// +build runasroot

package hostnetwork

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/netnamespace"
	"github.com/openperouter/ovn-evpn-agent/internal/vrf"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const provisionerTestNS = "provisionertest"

// fakeOVSPorts stands in for OVS by creating a dummy link for each
// internal port, in the namespace of the caller.
type fakeOVSPorts struct {
	tags map[string]int
}

func (f *fakeOVSPorts) EnsureInternalPort(_ context.Context, _, name string, tag int) error {
	f.tags[name] = tag
	err := netlink.LinkAdd(&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name}})
	if err != nil && !isExist(err) {
		return err
	}
	return nil
}

func (f *fakeOVSPorts) DeleteInternalPort(_ context.Context, _, name string) error {
	delete(f.tags, name)
	return deleteLinkByName(name)
}

func (f *fakeOVSPorts) ListInternalPorts(_ context.Context, _, prefix string) ([]string, error) {
	var res []string
	for name := range f.tags {
		if strings.HasPrefix(name, prefix) {
			res = append(res, name)
		}
	}
	return res, nil
}

var _ = Describe("Provisioner", func() {
	var (
		testNS      netns.NsHandle
		ports       *fakeOVSPorts
		registry    *vrf.Registry
		provisioner *Provisioner
		ctx         context.Context
	)

	params := Params{
		Bridge:    "br-evpn",
		OVSBridge: "br-int",
		VTEP:      netip.MustParseAddr("192.0.2.10"),
		VXLanPort: 4789,
		MTU:       1500,
	}

	symmetric := evpn.NetworkInfo{
		ID:         "net1",
		LocalTag:   10,
		BridgeVLAN: 200,
		VNI:        100,
		Mode:       evpn.ModeSymmetricIRB,
		ASN:        65001,
		GatewayIPs: []netip.Prefix{netip.MustParsePrefix("192.168.1.1/24")},
	}

	inNS := func(fn func()) {
		GinkgoHelper()
		Expect(netnamespace.In(testNS, func() error {
			fn()
			return nil
		})).To(Succeed())
	}

	BeforeEach(func() {
		cleanTest(provisionerTestNS)
		testNS = createTestNS(provisionerTestNS)
		ctx = context.Background()
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		ports = &fakeOVSPorts{tags: map[string]int{}}
		registry = vrf.NewRegistry(VRFDevices{}, false, logger)
		provisioner = NewProvisioner(params, registry, ports, logger)
	})

	AfterEach(func() {
		cleanTest(provisionerTestNS)
	})

	It("should create every object of a symmetric irb network, idempotently", func() {
		inNS(func() {
			for range 2 {
				info, err := provisioner.Ensure(ctx, symmetric)
				Expect(err).NotTo(HaveOccurred())
				Expect(info.Name).To(Equal("vrf-100"))
				Expect(info.TableID).To(Equal(uint32(1000100)))
			}

			bridge, err := netlink.LinkByName("br-evpn")
			Expect(err).NotTo(HaveOccurred())

			vrfLink, err := netlink.LinkByName("vrf-100")
			Expect(err).NotTo(HaveOccurred())
			Expect(vrfLink.(*netlink.Vrf).Table).To(Equal(uint32(1000100)))

			vxlan, err := netlink.LinkByName("vxlan-100")
			Expect(err).NotTo(HaveOccurred())
			Expect(vxlan.(*netlink.Vxlan).VxlanId).To(Equal(100))
			Expect(vxlan.Attrs().MasterIndex).To(Equal(bridge.Attrs().Index))

			irb, err := netlink.LinkByName("br-evpn.200")
			Expect(err).NotTo(HaveOccurred())
			Expect(irb.Attrs().MasterIndex).To(Equal(vrfLink.Attrs().Index))
			validateAddress(irb, "192.168.1.1/24")

			ingress, err := netlink.LinkByName("evpn-200")
			Expect(err).NotTo(HaveOccurred())
			Expect(ingress.Attrs().MasterIndex).To(Equal(bridge.Attrs().Index))
			Expect(ports.tags).To(HaveKeyWithValue("evpn-200", 10))
			Expect(untaggedVLAN("evpn-200")).To(Equal(200))
			Expect(untaggedVLAN("vxlan-100")).To(Equal(200))
		})
	})

	It("should not create an ingress port for routing only networks", func() {
		inNS(func() {
			routing := symmetric
			routing.Mode = evpn.ModeRoutingOnly
			_, err := provisioner.Ensure(ctx, routing)
			Expect(err).NotTo(HaveOccurred())

			_, err = netlink.LinkByName("evpn-200")
			Expect(err).To(HaveOccurred())
			Expect(ports.tags).To(BeEmpty())
		})
	})

	It("should share the vrf and the tunnel between networks of the same vni", func() {
		inNS(func() {
			second := symmetric
			second.ID = "net2"
			second.BridgeVLAN = 201
			second.GatewayIPs = []netip.Prefix{netip.MustParsePrefix("192.168.2.1/24")}

			_, err := provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())
			info, err := provisioner.Ensure(ctx, second)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.DependentNetworks).To(ConsistOf("net1", "net2"))
			Expect(countLinks("vrf")).To(Equal(1))
			Expect(countLinks("vxlan")).To(Equal(1))
			Expect(untaggedVLAN("vxlan-100")).To(Equal(200))
			Expect(bridgeVLANs("vxlan-100")).To(ConsistOf(200, 201))

			By("tearing down the first network")
			Expect(provisioner.Teardown(ctx, symmetric)).To(Succeed())
			_, err = netlink.LinkByName("vrf-100")
			Expect(err).NotTo(HaveOccurred())
			_, err = netlink.LinkByName("vxlan-100")
			Expect(err).NotTo(HaveOccurred())
			_, err = netlink.LinkByName("evpn-200")
			Expect(err).To(HaveOccurred())
			_, err = netlink.LinkByName("evpn-201")
			Expect(err).NotTo(HaveOccurred())
			_, err = netlink.LinkByName("br-evpn.200")
			Expect(err).To(HaveOccurred())

			By("handing the untagged vlan of the tunnel to the remaining network")
			Expect(bridgeVLANs("vxlan-100")).To(ConsistOf(201))
			Expect(untaggedVLAN("vxlan-100")).To(Equal(201))

			By("ensuring the remaining network again")
			_, err = provisioner.Ensure(ctx, second)
			Expect(err).NotTo(HaveOccurred())
			Expect(untaggedVLAN("vxlan-100")).To(Equal(201))

			By("tearing down the last network")
			Expect(provisioner.Teardown(ctx, second)).To(Succeed())
			Expect(countLinks("vrf")).To(Equal(0))
			Expect(countLinks("vxlan")).To(Equal(0))
			_, err = netlink.LinkByName("evpn-201")
			Expect(err).To(HaveOccurred())
			_, err = netlink.LinkByName("br-evpn")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("should give each localnet tag of a vni its own ingress port", func() {
		inNS(func() {
			second := symmetric
			second.ID = "net2"
			second.LocalTag = 11
			second.BridgeVLAN = 201
			second.GatewayIPs = []netip.Prefix{netip.MustParsePrefix("192.168.2.1/24")}

			_, err := provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())
			_, err = provisioner.Ensure(ctx, second)
			Expect(err).NotTo(HaveOccurred())

			Expect(ports.tags).To(Equal(map[string]int{"evpn-200": 10, "evpn-201": 11}))
			Expect(untaggedVLAN("evpn-200")).To(Equal(200))
			Expect(untaggedVLAN("evpn-201")).To(Equal(201))

			By("ensuring the first network again")
			_, err = provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())
			Expect(ports.tags).To(Equal(map[string]int{"evpn-200": 10, "evpn-201": 11}))

			By("tearing down the second network")
			Expect(provisioner.Teardown(ctx, second)).To(Succeed())
			Expect(ports.tags).To(Equal(map[string]int{"evpn-200": 10}))
			Expect(untaggedVLAN("evpn-200")).To(Equal(200))
		})
	})

	It("should install and remove custom routes in the vrf table", func() {
		inNS(func() {
			info, err := provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())

			dst := netip.MustParsePrefix("10.20.0.0/24")
			nexthop := netip.MustParseAddr("192.168.1.10")
			dp := Dataplane{}
			Expect(dp.AddRoute(info.TableID, dst, nexthop)).To(Succeed())
			Expect(routesTo(info.TableID, "10.20.0.0/24")).To(Equal(1))

			Expect(dp.DelRoute(info.TableID, dst, nexthop)).To(Succeed())
			Expect(routesTo(info.TableID, "10.20.0.0/24")).To(Equal(0))
			Expect(dp.DelRoute(info.TableID, dst, nexthop)).To(Succeed())

			By("flushing static routes")
			Expect(dp.AddRoute(info.TableID, dst, nexthop)).To(Succeed())
			removed, err := dp.FlushVRFRoutes(info.TableID)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))
		})
	})

	It("should install static fdb and neighbor entries", func() {
		inNS(func() {
			_, err := provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())

			mac, _ := net.ParseMAC("fa:16:3e:00:00:01")
			dp := Dataplane{}
			Expect(dp.AddStaticFDB("evpn-200", mac, 200)).To(Succeed())
			Expect(dp.AddStaticNeighbor("br-evpn.200", netip.MustParseAddr("192.168.1.20"), mac)).To(Succeed())

			ingress, err := netlink.LinkByName("evpn-200")
			Expect(err).NotTo(HaveOccurred())
			fdb, err := netlink.NeighList(ingress.Attrs().Index, unix.AF_BRIDGE)
			Expect(err).NotTo(HaveOccurred())
			Expect(hasMAC(fdb, mac)).To(BeTrue())

			Expect(dp.DelStaticFDB("evpn-200", mac, 200)).To(Succeed())
			Expect(dp.DelStaticNeighbor("br-evpn.200", netip.MustParseAddr("192.168.1.20"), mac)).To(Succeed())
			fdb, err = netlink.NeighList(ingress.Attrs().Index, unix.AF_BRIDGE)
			Expect(err).NotTo(HaveOccurred())
			Expect(hasMAC(fdb, mac)).To(BeFalse())
		})
	})

	It("should remove orphans and report unknown vrfs", func() {
		inNS(func() {
			_, err := provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())
			stale := symmetric
			stale.ID = "stale"
			stale.VNI = 999
			stale.BridgeVLAN = 999
			stale.GatewayIPs = nil
			_, err = provisioner.Ensure(ctx, stale)
			Expect(err).NotTo(HaveOccurred())

			orphans, err := provisioner.RemoveOrphans(ctx, []evpn.NetworkInfo{symmetric})
			Expect(err).NotTo(HaveOccurred())
			Expect(orphans).To(ConsistOf(uint32(999)))

			_, err = netlink.LinkByName("vxlan-999")
			Expect(err).To(HaveOccurred())
			_, err = netlink.LinkByName("br-evpn.999")
			Expect(err).To(HaveOccurred())
			_, err = netlink.LinkByName("evpn-999")
			Expect(err).To(HaveOccurred())
			_, err = netlink.LinkByName("vxlan-100")
			Expect(err).NotTo(HaveOccurred())
			_, err = netlink.LinkByName("vrf-999")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("should replace a conflicting vxlan", func() {
		inNS(func() {
			Expect(netlink.LinkAdd(&netlink.Vxlan{
				LinkAttrs: netlink.LinkAttrs{Name: "vxlan-100"},
				VxlanId:   555,
				Port:      4789,
			})).To(Succeed())

			_, err := provisioner.Ensure(ctx, symmetric)
			Expect(err).NotTo(HaveOccurred())
			vxlan, err := netlink.LinkByName("vxlan-100")
			Expect(err).NotTo(HaveOccurred())
			Expect(vxlan.(*netlink.Vxlan).VxlanId).To(Equal(100))
		})
	})
})

func validateAddress(l netlink.Link, address string) {
	GinkgoHelper()
	addresses, err := netlink.AddrList(l, netlink.FAMILY_ALL)
	Expect(err).NotTo(HaveOccurred())
	found := false
	for _, a := range addresses {
		if a.IPNet.String() == address {
			found = true
		}
	}
	Expect(found).To(BeTrue(), "failed to find address %s for %s: %v", address, l.Attrs().Name, addresses)
}

func countLinks(linkType string) int {
	GinkgoHelper()
	links, err := netlink.LinkList()
	Expect(err).NotTo(HaveOccurred())
	res := 0
	for _, l := range links {
		if l.Type() == linkType {
			res++
		}
	}
	return res
}

func routesTo(table uint32, dst string) int {
	GinkgoHelper()
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: int(table)}, netlink.RT_FILTER_TABLE)
	Expect(err).NotTo(HaveOccurred())
	res := 0
	for _, r := range routes {
		if r.Dst != nil && r.Dst.String() == dst {
			res++
		}
	}
	return res
}

// untaggedVLAN returns the pvid of the given bridge port, zero if it has none.
func untaggedVLAN(name string) int {
	GinkgoHelper()
	link, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred())
	vlans, err := netlink.BridgeVlanList()
	Expect(err).NotTo(HaveOccurred())
	for _, v := range vlans[int32(link.Attrs().Index)] {
		if v.PortVID() && v.EngressUntag() {
			return int(v.Vid)
		}
	}
	return 0
}

func bridgeVLANs(name string) []int {
	GinkgoHelper()
	link, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred())
	vlans, err := netlink.BridgeVlanList()
	Expect(err).NotTo(HaveOccurred())
	var res []int
	for _, v := range vlans[int32(link.Attrs().Index)] {
		res = append(res, int(v.Vid))
	}
	return res
}

func hasMAC(entries []netlink.Neigh, mac net.HardwareAddr) bool {
	for _, e := range entries {
		if e.HardwareAddr.String() == mac.String() {
			return true
		}
	}
	return false
}
