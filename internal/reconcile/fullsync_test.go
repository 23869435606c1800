// SPDX-License-Identifier:Apache-2.0

package reconcile

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/status"
)

var _ = Describe("Full sync", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()
	})

	It("provisions the listed networks and ports", func() {
		env.lister.set(
			networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100"),
			portRow("vm1", "dp1", 100, localChassis),
			portRow("vm2", "dp1", 100, "other"),
			networkRow("dp2", 300, evpn.ModeRoutingOnly, "65000:300"),
		)
		Expect(env.engine.FullSync(ctx)).To(Succeed())

		state := env.engine.State()
		Expect(state.Networks).To(HaveLen(2))
		Expect(state.Ports).To(HaveLen(2))
		Expect(env.accelerator.exposed).To(HaveKey("vm1"))
		Expect(env.configurator.configured).To(HaveKey("vrf-100"))
		Expect(env.configurator.configured).To(HaveKey("vrf-300"))
		Expect(env.engine.Phase()).To(Equal(PhaseIdle))
		Expect(env.provisioner.orphanSweeps).To(Equal(1))
		Expect(env.vrfs.reconciles).To(Equal(1))
		Expect(env.engine.Health()).To(Succeed())
	})

	It("is idempotent", func() {
		env.lister.set(
			networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100"),
			portRow("vm1", "dp1", 100, localChassis),
		)
		Expect(env.engine.FullSync(ctx)).To(Succeed())
		first := env.engine.State()
		Expect(env.engine.FullSync(ctx)).To(Succeed())
		Expect(env.engine.State()).To(Equal(first))
		Expect(env.refreshers.starts).To(Equal(1))
		Expect(env.provisioner.teardowns).To(BeEmpty())
	})

	It("removes the networks and ports absent upstream", func() {
		env.lister.set(
			networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100"),
			portRow("vm1", "dp1", 100, localChassis),
			portRow("vm2", "dp1", 100, localChassis),
			networkRow("dp2", 300, evpn.ModeSymmetricIRB, "65000:300"),
		)
		Expect(env.engine.FullSync(ctx)).To(Succeed())
		Expect(env.refreshers.ActiveCount()).To(Equal(2))

		env.lister.set(
			networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100"),
			portRow("vm1", "dp1", 100, localChassis),
		)
		Expect(env.engine.FullSync(ctx)).To(Succeed())

		state := env.engine.State()
		Expect(state.Networks).To(HaveKey("dp1"))
		Expect(state.Networks).NotTo(HaveKey("dp2"))
		Expect(state.Ports).To(HaveKey("vm1"))
		Expect(state.Ports).NotTo(HaveKey("vm2"))
		Expect(env.accelerator.withdrawn).To(ConsistOf("vm2"))
		Expect(env.provisioner.teardowns).To(Equal([]string{"dp2"}))
		Expect(env.configurator.removed).To(Equal([]string{"vrf-300"}))
		Expect(env.refreshers.ActiveCount()).To(Equal(1))
		Expect(env.vlans.Stats().Allocated).To(Equal(1))
	})

	It("does not let a failing network stop the others", func() {
		env.lister.set(
			networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100"),
			networkRow("dp2", 200, evpn.ModeSymmetricIRB, "65000:200"),
			networkRow("dp3", 300, evpn.ModeSymmetricIRB, "65000:300"),
		)
		env.provisioner.failEnsure.Insert("dp2")

		err := env.engine.FullSync(ctx)
		Expect(errors.Is(err, errInjected)).To(BeTrue())

		state := env.engine.State()
		Expect(state.Networks).To(HaveKey("dp1"))
		Expect(state.Networks).NotTo(HaveKey("dp2"))
		Expect(state.Networks).To(HaveKey("dp3"))
		Expect(env.status.FailedByKind()).To(HaveKeyWithValue(status.NetworkKind, 1))

		By("retrying on the next pass")
		env.provisioner.failEnsure.Delete("dp2")
		Expect(env.engine.FullSync(ctx)).To(Succeed())
		Expect(env.engine.State().Networks).To(HaveLen(3))
	})

	It("removes a tracked network that no longer resolves", func() {
		row := networkRow("dp1", 100, evpn.ModeRoutingOnly, "65000:100")
		env.lister.set(row)
		Expect(env.engine.FullSync(ctx)).To(Succeed())

		broken := networkRow("dp1", 100, evpn.ModeRoutingOnly, "65000:100")
		broken.Annotations[conversion.ASKey] = "-1"
		env.lister.set(broken)
		Expect(env.engine.FullSync(ctx)).NotTo(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
	})

	It("hands the vrfs nobody explains to the registry", func() {
		env.provisioner.orphanVRFs = []uint32{100, 500}
		env.lister.set(networkRow("dp1", 100, evpn.ModeRoutingOnly, "65000:100"))
		Expect(env.engine.FullSync(ctx)).To(Succeed())

		Expect(env.vrfs.adopted).To(Equal([]uint32{500}))
		Expect(env.configurator.removed).To(Equal([]string{"vrf-500"}))
	})

	It("reports listing failures as unhealthy", func() {
		env.lister.err = errInjected
		Expect(env.engine.FullSync(ctx)).NotTo(Succeed())
		Expect(env.engine.Health()).To(MatchError(errInjected))
		Expect(env.engine.Phase()).To(Equal(PhaseIdle))

		env.lister.err = nil
		Expect(env.engine.FullSync(ctx)).To(Succeed())
		Expect(env.engine.Health()).To(Succeed())
	})
})

var _ = Describe("FRR sync", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
	})

	It("re-applies the global and the per vrf configuration", func() {
		env.lister.set(
			networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100"),
			networkRow("dp2", 100, evpn.ModeSymmetricIRB, "65000:200"),
		)
		Expect(env.engine.FullSync(context.Background())).To(Succeed())

		// the routing daemon restarted
		env.configurator.configured = map[string][]string{}
		Expect(env.engine.FRRSync(context.Background())).To(Succeed())
		Expect(env.configurator.globals).To(Equal(1))
		Expect(env.configurator.configured).To(Equal(map[string][]string{"vrf-100": {"dp1", "dp2"}}))
	})

	It("reports failures and recovers", func() {
		env.lister.set(networkRow("dp1", 100, evpn.ModeRoutingOnly, "65000:100"))
		Expect(env.engine.FullSync(context.Background())).To(Succeed())

		env.configurator.fail = errInjected
		Expect(env.engine.FRRSync(context.Background())).To(MatchError(errInjected))
		Expect(env.status.FailedByKind()).To(HaveKeyWithValue(status.FRRKind, 2))

		env.configurator.fail = nil
		Expect(env.engine.FRRSync(context.Background())).To(Succeed())
		Expect(env.status.FailedByKind()).To(BeEmpty())
	})
})
