package inproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("World", func() {
	var (
		world *World
		ctx   context.Context
	)

	BeforeEach(func() {
		world = NewWorld(3)
		ctx = context.Background()
	})

	It("should deliver messages in order", func() {
		a, b := world.Communicator(0), world.Communicator(2)

		send1, err := a.ISend(2, []byte("one"))
		Expect(err).NotTo(HaveOccurred())
		send2, err := a.ISend(2, []byte("two"))
		Expect(err).NotTo(HaveOccurred())

		done, _ := send1.Test()
		Expect(done).To(BeFalse())

		for _, want := range []string{"one", "two"} {
			recv, err := b.IRecv(0, 16)
			Expect(err).NotTo(HaveOccurred())

			done, err := recv.Test()
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
			Expect(string(recv.Data())).To(Equal(want))
		}

		for _, send := range []interface{ Test() (bool, error) }{send1, send2} {
			done, err := send.Test()
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
		}
	})

	It("should copy sent buffers", func() {
		buf := []byte("abc")
		_, err := world.Communicator(0).ISend(1, buf)
		Expect(err).NotTo(HaveOccurred())
		buf[0] = 'x'

		recv, _ := world.Communicator(1).IRecv(0, 16)
		_, _ = recv.Test()
		Expect(string(recv.Data())).To(Equal("abc"))
	})

	It("should keep sources apart", func() {
		_, _ = world.Communicator(0).ISend(2, []byte("from 0"))

		recv, _ := world.Communicator(2).IRecv(1, 16)
		done, err := recv.Test()
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(BeFalse())
	})

	It("should report truncation", func() {
		_, _ = world.Communicator(0).ISend(1, make([]byte, 32))

		recv, _ := world.Communicator(1).IRecv(0, 16)
		_, err := recv.Test()
		Expect(err).To(MatchError(ErrTruncated))
	})

	It("should not complete cancelled receives", func() {
		recv, _ := world.Communicator(1).IRecv(0, 16)
		recv.Cancel()
		_, _ = world.Communicator(0).ISend(1, []byte("late"))

		done, err := recv.Test()
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(BeFalse())
	})

	It("should gather from all ranks", func() {
		var wg sync.WaitGroup
		results := make([][][]byte, 3)

		for round := 0; round < 5; round++ {
			for i := uint32(0); i < 3; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					buf := []byte(fmt.Sprintf("%d-%d", round, i))
					all, err := world.Communicator(i).AllGather(ctx, buf)
					Expect(err).NotTo(HaveOccurred())

					results[i] = all
				}()
			}

			wg.Wait()

			for i := range results {
				Expect(results[i]).To(Equal([][]byte{
					[]byte(fmt.Sprintf("%d-0", round)),
					[]byte(fmt.Sprintf("%d-1", round)),
					[]byte(fmt.Sprintf("%d-2", round)),
				}))
			}
		}
	})

	It("should stop waiting when the context is done", func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		err := world.Communicator(0).Barrier(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should reject closed communicators", func() {
		c := world.Communicator(0)
		Expect(c.Close()).To(Succeed())

		_, err := c.ISend(1, nil)
		Expect(err).To(MatchError(ErrClosed))
		Expect(c.Barrier(ctx)).To(MatchError(ErrClosed))
	})

	It("should withdraw the contribution of a rank closed while gathering", func() {
		c := world.Communicator(0)
		errs := make(chan error, 1)

		go func() {
			_, err := c.AllGather(ctx, []byte("stale"))
			errs <- err
		}()

		Eventually(func() uint32 {
			world.mu.Lock()
			defer world.mu.Unlock()
			return world.arrived
		}).Should(Equal(uint32(1)))

		Expect(c.Close()).To(Succeed())
		Eventually(errs).Should(Receive(MatchError(ErrClosed)))

		world.mu.Lock()
		Expect(world.arrived).To(BeZero())
		Expect(world.pending[0]).To(BeNil())
		world.mu.Unlock()

		var wg sync.WaitGroup
		for i := uint32(1); i < 3; i++ {
			wg.Add(1)

			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
				defer cancel()

				_, err := world.Communicator(i).AllGather(ctx, nil)
				Expect(err).To(MatchError(context.DeadlineExceeded))
			}()
		}

		wg.Wait()
	})

		It("should reject ranks out of range", func() {
		_, err := world.Communicator(0).ISend(3, nil)
		Expect(err).To(HaveOccurred())
	})
})
