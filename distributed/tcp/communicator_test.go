package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/netkernel/distributed"
)

func connectMesh(ctx context.Context, n int) []*Communicator {
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)

	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}

	comms := make([]*Communicator, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range comms {
		wg.Add(1)

		go func() {
			defer wg.Done()
			comms[i], errs[i] = Connect(ctx, uint32(i), listeners[i], addrs)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		Expect(err).NotTo(HaveOccurred())
	}

	return comms
}

func waitFor(req distributed.Request) {
	Eventually(func() (bool, error) {
		return req.Test()
	}).Should(BeTrue())
}

var _ = Describe("Communicator", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		comms  []*Communicator
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		comms = connectMesh(ctx, 3)
	})

	AfterEach(func() {
		for _, c := range comms {
			Expect(c.Close()).To(Succeed())
		}

		cancel()
	})

	It("should know its place in the mesh", func() {
		for i, c := range comms {
			Expect(c.Rank()).To(Equal(uint32(i)))
			Expect(c.Size()).To(Equal(uint32(3)))
		}
	})

	It("should deliver messages in order", func() {
		for i := 0; i < 10; i++ {
			req, err := comms[2].ISend(0, []byte(fmt.Sprintf("msg %d", i)))
			Expect(err).NotTo(HaveOccurred())
			waitFor(req)
		}

		for i := 0; i < 10; i++ {
			req, err := comms[0].IRecv(2, 64)
			Expect(err).NotTo(HaveOccurred())

			waitFor(req)
			Expect(string(req.Data())).To(Equal(fmt.Sprintf("msg %d", i)))
		}
	})

	It("should report truncation", func() {
		_, err := comms[0].ISend(1, make([]byte, 100))
		Expect(err).NotTo(HaveOccurred())

		req, err := comms[1].IRecv(0, 10)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() error {
			_, err := req.Test()
			return err
		}).Should(MatchError(ErrTruncated))
	})

	It("should reject sending to itself", func() {
		_, err := comms[1].ISend(1, nil)
		Expect(err).To(HaveOccurred())
	})

	It("should gather from all ranks", func() {
		var wg sync.WaitGroup
		results := make([][][]byte, len(comms))

		for round := 0; round < 3; round++ {
			for i, c := range comms {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					all, err := c.AllGather(ctx, []byte{byte(round), byte(i)})
					Expect(err).NotTo(HaveOccurred())

					results[i] = all
				}()
			}

			wg.Wait()

			for _, all := range results {
				Expect(all).To(Equal([][]byte{
					{byte(round), 0},
					{byte(round), 1},
					{byte(round), 2},
				}))
			}
		}
	})

	It("should fail gathers when a peer goes away", func() {
		Expect(comms[1].Close()).To(Succeed())

		_, err := comms[0].AllGather(ctx, []byte{1})
		Expect(err).To(HaveOccurred())
	})
})
