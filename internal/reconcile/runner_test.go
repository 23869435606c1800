// SPDX-License-Identifier:Apache-2.0

package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// blockingSyncer returns immediately on the first full sync, then blocks
// every full sync until released.
type blockingSyncer struct {
	full    atomic.Int32
	frr     atomic.Int32
	release chan struct{}
}

func (b *blockingSyncer) FullSync(ctx context.Context) error {
	if b.full.Add(1) == 1 {
		return nil
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingSyncer) FRRSync(_ context.Context) error {
	b.frr.Add(1)
	return nil
}

var _ = Describe("Runner", func() {
	var (
		syncer *blockingSyncer
		cancel context.CancelFunc
		done   chan struct{}
	)

	start := func(full, frr time.Duration) *Runner {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		runner := NewRunner(syncer, full, frr, discardLogger())
		done = make(chan struct{})
		go func() {
			defer close(done)
			runner.Run(ctx)
		}()
		return runner
	}

	BeforeEach(func() {
		syncer = &blockingSyncer{release: make(chan struct{})}
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("drops the ticks arriving while a full sync is running", func() {
		start(10*time.Millisecond, time.Hour)

		Eventually(syncer.full.Load).Should(Equal(int32(2)))
		Consistently(syncer.full.Load, 100*time.Millisecond).Should(Equal(int32(2)))

		close(syncer.release)
		Eventually(syncer.full.Load).Should(BeNumerically(">", 2))
	})

	It("runs the routing loop independently", func() {
		start(time.Hour, 10*time.Millisecond)
		Eventually(syncer.frr.Load).Should(BeNumerically(">=", 3))
		Expect(syncer.full.Load()).To(Equal(int32(1)))
	})

	It("runs a full sync on trigger", func() {
		close(syncer.release)
		runner := start(time.Hour, time.Hour)
		Eventually(syncer.full.Load).Should(Equal(int32(1)))

		runner.Trigger()
		Eventually(syncer.full.Load).Should(Equal(int32(2)))
	})
})
