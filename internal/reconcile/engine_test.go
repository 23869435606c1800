// SPDX-License-Identifier:Apache-2.0

package reconcile

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/metrics"
	"github.com/openperouter/ovn-evpn-agent/internal/ovnsb"
	"github.com/openperouter/ovn-evpn-agent/internal/status"
	"github.com/openperouter/ovn-evpn-agent/internal/vlan"
	"github.com/prometheus/client_golang/prometheus"
)

const localChassis = "local"

type testEnv struct {
	engine       *Engine
	lister       *fakeLister
	vrfs         *fakeVRFs
	provisioner  *fakeProvisioner
	configurator *fakeConfigurator
	accelerator  *fakeAccelerator
	refreshers   *fakeRefreshers
	vlans        *vlan.Allocator
	status       *status.StatusManager
}

func newTestEnv() *testEnv {
	vlans, err := vlan.NewAllocator(100, 4094, discardLogger())
	Expect(err).NotTo(HaveOccurred())
	vrfs := newFakeVRFs()
	env := &testEnv{
		lister:       &fakeLister{},
		vrfs:         vrfs,
		provisioner:  newFakeProvisioner(vrfs),
		configurator: newFakeConfigurator(),
		accelerator:  newFakeAccelerator(),
		refreshers:   newFakeRefreshers(),
		vlans:        vlans,
		status:       status.NewStatusManager(discardLogger()),
	}
	env.engine = NewEngine(Config{
		LocalChassis: localChassis,
		Defaults:     conversion.Defaults{MTU: 1500},
	}, Collaborators{
		Lister:       env.lister,
		Provisioner:  env.provisioner,
		VRFs:         env.vrfs,
		Configurator: env.configurator,
		Accelerator:  env.accelerator,
		VLANs:        env.vlans,
		Refreshers:   env.refreshers,
		Status:       env.status,
		Observer:     metrics.NewRecorder(prometheus.NewRegistry()),
	}, discardLogger())
	return env
}

func dispatch(env *testEnv, kind ovnsb.Kind, b evpn.Binding) error {
	return env.engine.Dispatch(context.Background(), ovnsb.Event{Kind: kind, Binding: b})
}

var _ = Describe("Engine", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
	})

	It("provisions a network on a network association", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		env.lister.set(row)
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())

		state := env.engine.State()
		Expect(state.Networks).To(HaveKey("dp1"))
		Expect(state.Networks["dp1"].BridgeVLAN).To(Equal(100))
		Expect(env.configurator.configured).To(HaveKeyWithValue("vrf-100", []string{"dp1"}))
		Expect(env.refreshers.active.Has("dp1")).To(BeTrue())

		By("handling the same association again")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(env.refreshers.starts).To(Equal(1))
		Expect(env.vlans.Stats().Allocated).To(Equal(1))
	})

	It("does not start refreshers for routing only networks", func() {
		row := networkRow("dp1", 100, evpn.ModeRoutingOnly, "65000:100")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(env.refreshers.ActiveCount()).To(Equal(0))
		Expect(env.engine.Snapshot().NetworksByMode).To(Equal(map[string]int{"l3": 1}))
	})

	It("shares the vrf between the networks of a vni", func() {
		dp1 := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		dp2 := networkRow("dp2", 100, evpn.ModeSymmetricIRB, "65000:200")
		env.lister.set(dp1, dp2)
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, dp1)).To(Succeed())
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, dp2)).To(Succeed())

		vrf, ok := env.vrfs.Get(100)
		Expect(ok).To(BeTrue())
		Expect(vrf.DependentNetworks).To(Equal([]string{"dp1", "dp2"}))
		Expect(env.configurator.configured["vrf-100"]).To(Equal([]string{"dp1", "dp2"}))

		By("removing the first network")
		env.lister.set(dp2)
		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, dp1)).To(Succeed())
		_, ok = env.vrfs.Get(100)
		Expect(ok).To(BeTrue())
		Expect(env.configurator.configured["vrf-100"]).To(Equal([]string{"dp2"}))
		Expect(env.configurator.removed).To(BeEmpty())

		By("removing the last network")
		env.lister.set()
		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, dp2)).To(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
		Expect(env.configurator.removed).To(Equal([]string{"vrf-100"}))
		Expect(env.vlans.Stats().Allocated).To(Equal(0))
	})

	It("keeps a network while other associations on its datapath remain", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		port := portRow("vm1", "dp1", 100, localChassis)
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(dispatch(env, ovnsb.PortAssociationCreated, port)).To(Succeed())

		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, row)).To(Succeed())
		Expect(env.engine.State().Networks).To(HaveKey("dp1"))
		Expect(env.provisioner.teardowns).To(BeEmpty())

		By("removing the last association")
		Expect(dispatch(env, ovnsb.PortAssociationRemoved, port)).To(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
		Expect(env.provisioner.teardowns).To(Equal([]string{"dp1"}))
	})

	It("handles removals without listing the southbound database", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		other := row
		other.LogicalPort = "rtr-dp1-bis"
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, other)).To(Succeed())

		env.lister.err = errInjected
		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, row)).To(Succeed())
		Expect(env.engine.State().Networks).To(HaveKey("dp1"))
		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, other)).To(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
	})

	It("forgets the associations of a datapath absent from a full sync", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		port := portRow("vm1", "dp1", 100, "other")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(dispatch(env, ovnsb.PortAssociationCreated, port)).To(Succeed())

		env.lister.set(row)
		Expect(env.engine.FullSync(context.Background())).To(Succeed())
		Expect(env.engine.State().Ports).To(BeEmpty())

		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, row)).To(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
	})

	It("provisions the network of a port and accelerates local ports only", func() {
		local := portRow("vm1", "dp1", 100, localChassis)
		remote := portRow("vm2", "dp1", 100, "other")
		env.lister.set(local, remote)

		Expect(dispatch(env, ovnsb.PortAssociationCreated, local)).To(Succeed())
		Expect(dispatch(env, ovnsb.PortAssociationCreated, remote)).To(Succeed())

		state := env.engine.State()
		Expect(state.Networks).To(HaveKey("dp1"))
		Expect(state.Ports).To(HaveKey("vm1"))
		Expect(state.Ports).To(HaveKey("vm2"))
		Expect(env.accelerator.exposed).To(Equal(map[string]string{"vm1": "dp1/vrf-100"}))
		Expect(env.provisioner.ensures).To(Equal(1))
	})

	It("withdraws a port moving away from the local chassis", func() {
		port := portRow("vm1", "dp1", 100, localChassis)
		env.lister.set(port)
		Expect(dispatch(env, ovnsb.PortAssociationCreated, port)).To(Succeed())
		Expect(env.accelerator.exposed).To(HaveKey("vm1"))

		moved := portRow("vm1", "dp1", 100, "other")
		env.lister.set(moved)
		Expect(dispatch(env, ovnsb.PortAssociationCreated, moved)).To(Succeed())
		Expect(env.accelerator.exposed).To(BeEmpty())
		Expect(env.accelerator.withdrawn).To(Equal([]string{"vm1"}))
		Expect(env.engine.State().Ports["vm1"].Chassis).To(Equal("other"))
	})

	It("tears the network down with its last port", func() {
		port := portRow("vm1", "dp1", 100, localChassis)
		env.lister.set(port)
		Expect(dispatch(env, ovnsb.PortAssociationCreated, port)).To(Succeed())

		env.lister.set()
		Expect(dispatch(env, ovnsb.PortAssociationRemoved, port)).To(Succeed())
		state := env.engine.State()
		Expect(state.Ports).To(BeEmpty())
		Expect(state.Networks).To(BeEmpty())
		Expect(env.accelerator.withdrawn).To(Equal([]string{"vm1"}))
		Expect(env.refreshers.ActiveCount()).To(Equal(0))
	})

	It("skips malformed associations", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		row.Annotations[conversion.VNIKey] = "not-a-number"
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).NotTo(Succeed())

		Expect(env.engine.State().Networks).To(BeEmpty())
		Expect(env.provisioner.ensures).To(Equal(0))
		Expect(env.status.FailedByKind()).To(HaveKeyWithValue(status.NetworkKind, 1))
	})

	It("leaves a network failing to provision untracked", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		env.provisioner.failEnsure.Insert("dp1")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).NotTo(Succeed())

		Expect(env.engine.State().Networks).To(BeEmpty())
		Expect(env.vlans.Stats().Allocated).To(Equal(0))
		Expect(env.refreshers.ActiveCount()).To(Equal(0))
		Expect(env.status.FailedByKind()).To(HaveKeyWithValue(status.NetworkKind, 1))

		By("recovering on the next attempt")
		env.provisioner.failEnsure.Delete("dp1")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(env.engine.State().Networks).To(HaveKey("dp1"))
		Expect(env.status.FailedByKind()).To(BeEmpty())
	})

	It("removes the routing configuration of a network failing to provision again", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		env.lister.set(row)
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(env.configurator.configured).To(HaveKey("vrf-100"))

		env.provisioner.failEnsure.Insert("dp1")
		Expect(env.engine.FullSync(context.Background())).NotTo(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
		Expect(env.configurator.configured).NotTo(HaveKey("vrf-100"))
		Expect(env.configurator.removed).To(Equal([]string{"vrf-100"}))

		By("removing the association upstream")
		env.lister.set()
		Expect(env.engine.FullSync(context.Background())).To(Succeed())
		Expect(env.engine.FRRSync(context.Background())).To(Succeed())
		Expect(env.configurator.configured).To(BeEmpty())
	})

	It("keeps the shared vrf configuration of the other networks when one fails to provision", func() {
		dp1 := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		dp2 := networkRow("dp2", 100, evpn.ModeSymmetricIRB, "65000:200")
		env.lister.set(dp1, dp2)
		Expect(env.engine.FullSync(context.Background())).To(Succeed())
		Expect(env.configurator.configured["vrf-100"]).To(Equal([]string{"dp1", "dp2"}))

		env.provisioner.failEnsure.Insert("dp2")
		Expect(env.engine.FullSync(context.Background())).NotTo(Succeed())
		Expect(env.configurator.configured["vrf-100"]).To(Equal([]string{"dp1"}))
		Expect(env.configurator.removed).To(BeEmpty())
	})

	It("recreates a network whose vni changed", func() {
		row := networkRow("dp1", 100, evpn.ModeSymmetricIRB, "65000:100")
		port := portRow("vm1", "dp1", 100, localChassis)
		env.lister.set(row, port)
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())
		Expect(dispatch(env, ovnsb.PortAssociationCreated, port)).To(Succeed())

		changed := networkRow("dp1", 200, evpn.ModeSymmetricIRB, "65000:100")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, changed)).To(Succeed())

		network := env.engine.State().Networks["dp1"]
		Expect(network.VNI).To(Equal(uint32(200)))
		Expect(network.BridgeVLAN).To(Equal(200))
		Expect(env.provisioner.teardowns).To(Equal([]string{"dp1"}))
		Expect(env.configurator.removed).To(Equal([]string{"vrf-100"}))
		Expect(env.configurator.configured).To(HaveKey("vrf-200"))
		Expect(env.engine.State().Ports).To(BeEmpty())
	})

	It("keeps a network whose teardown failed for a later retry", func() {
		row := networkRow("dp1", 100, evpn.ModeRoutingOnly, "65000:100")
		Expect(dispatch(env, ovnsb.NetworkAssociationCreated, row)).To(Succeed())

		env.provisioner.failTeardown.Insert("dp1")
		Expect(dispatch(env, ovnsb.NetworkAssociationRemoved, row)).NotTo(Succeed())
		Expect(env.engine.State().Networks).To(HaveKey("dp1"))

		env.provisioner.failTeardown.Delete("dp1")
		Expect(env.engine.FullSync(context.Background())).To(Succeed())
		Expect(env.engine.State().Networks).To(BeEmpty())
	})

	It("rejects unknown event kinds", func() {
		Expect(dispatch(env, ovnsb.Kind(42), evpn.Binding{})).NotTo(Succeed())
	})
})
