// SPDX-License-Identifier:Apache-2.0

//go:build runasroot
// +build runasroot

package ovs

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vishvananda/netlink"
)

var _ = Describe("OVS client", func() {
	var (
		ctx    context.Context
		client *Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = newTestClient(ctx)
	})

	AfterEach(func() {
		for _, p := range []string{"evpn-100", "evpn-200"} {
			Expect(client.DeleteInternalPort(ctx, "br-int", p)).To(Succeed())
		}
		client.Close()
	})

	It("reads the chassis identity", func() {
		id, err := client.Identity(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(id.Chassis).To(Equal("chassis-test"))
		Expect(id.OVNRemote).To(Equal("tcp:192.0.2.1:6642"))
		Expect(id.BridgeMappings).To(HaveKeyWithValue("physnet1", "br-ex"))
	})

	It("creates an internal port and its kernel link", func() {
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 10)).To(Succeed())

		Eventually(func() (string, error) {
			return sandbox.Vsctl(ctx, "get", "Port", "evpn-100", "tag")
		}, 10*time.Second, 200*time.Millisecond).Should(ContainSubstring("10"))

		Eventually(func() error {
			return sandbox.InNetNS(func() error {
				_, err := netlink.LinkByName("evpn-100")
				return err
			})
		}, 10*time.Second, 200*time.Millisecond).Should(Succeed())

		By("ensuring it again")
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 10)).To(Succeed())
		out, err := sandbox.Vsctl(ctx, "list-ports", "br-int")
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Count(out, "evpn-100")).To(Equal(1))
	})

	It("corrects the tag of an existing port", func() {
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 10)).To(Succeed())
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 20)).To(Succeed())
		Eventually(func() (string, error) {
			return sandbox.Vsctl(ctx, "get", "Port", "evpn-100", "tag")
		}, 10*time.Second, 200*time.Millisecond).Should(ContainSubstring("20"))

		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 0)).To(Succeed())
		Eventually(func() (string, error) {
			return sandbox.Vsctl(ctx, "get", "Port", "evpn-100", "tag")
		}, 10*time.Second, 200*time.Millisecond).Should(ContainSubstring("[]"))
	})

	It("lists only the agent ports with the prefix", func() {
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-200", 0)).To(Succeed())
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 0)).To(Succeed())
		_, err := sandbox.Vsctl(ctx, "--may-exist", "add-port", "br-int", "evpn-foreign", "--", "set", "Interface", "evpn-foreign", "type=internal")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			_, _ = sandbox.Vsctl(context.Background(), "--if-exists", "del-port", "br-int", "evpn-foreign")
		})

		Eventually(func() ([]string, error) {
			return client.ListInternalPorts(ctx, "br-int", "evpn-")
		}, 10*time.Second, 200*time.Millisecond).Should(Equal([]string{"evpn-100", "evpn-200"}))
	})

	It("deletes ports idempotently", func() {
		Expect(client.EnsureInternalPort(ctx, "br-int", "evpn-100", 10)).To(Succeed())
		Expect(client.DeleteInternalPort(ctx, "br-int", "evpn-100")).To(Succeed())
		Eventually(func() (string, error) {
			return sandbox.Vsctl(ctx, "list-ports", "br-int")
		}, 10*time.Second, 200*time.Millisecond).ShouldNot(ContainSubstring("evpn-100"))
		Expect(client.DeleteInternalPort(ctx, "br-int", "evpn-100")).To(Succeed())
	})

	It("fails on a missing bridge", func() {
		Expect(client.EnsureInternalPort(ctx, "br-missing", "evpn-100", 0)).To(MatchError(ContainSubstring("br-missing")))
	})
})
