package distributed

import (
	"context"
	"encoding/binary"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/netkernel/sim"
)

type stagedCall struct {
	context uint32
	time    sim.VTime
	cb      sim.Callback
}

type fakeEngine struct {
	now          sim.VTime
	staged       []stagedCall
	synchronizer sim.Synchronizer
	runErr       error
}

func (e *fakeEngine) Now() sim.VTime {
	return e.now
}

func (e *fakeEngine) StageWithContext(context uint32, delay sim.VTime, cb sim.Callback) {
	e.StageAt(context, e.now+delay, cb)
}

func (e *fakeEngine) StageAt(context uint32, t sim.VTime, cb sim.Callback) {
	e.staged = append(e.staged, stagedCall{context: context, time: t, cb: cb})
}

func (e *fakeEngine) SetSynchronizer(s sim.Synchronizer) {
	e.synchronizer = s
}

func (e *fakeEngine) Run() error {
	return e.runErr
}

func lookaheadBytes(l sim.VTime) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(l))

	return buf
}

var _ = Describe("Rank", func() {
	var (
		mockCtrl *gomock.Controller
		comm     *MockCommunicator
		recvReq  *MockRequest
		engine   *fakeEngine
		registry *MapRegistry
		rank     *Rank
		ctx      context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		comm = NewMockCommunicator(mockCtrl)
		recvReq = NewMockRequest(mockCtrl)
		engine = &fakeEngine{}
		registry = NewMapRegistry()
		ctx = context.Background()

		comm.EXPECT().Rank().Return(uint32(0)).AnyTimes()
		comm.EXPECT().Size().Return(uint32(2)).AnyTimes()

		var err error
		rank, err = MakeBuilder().
			WithEngine(engine).
			WithOwnedCommunicator(comm).
			WithRegistry(registry).
			WithDefaultLookahead(10).
			Build()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	join := func() {
		comm.EXPECT().Barrier(gomock.Any()).Return(nil)
		comm.EXPECT().AllGather(gomock.Any(), lookaheadBytes(10)).
			Return([][]byte{lookaheadBytes(10), lookaheadBytes(4)}, nil)
		comm.EXPECT().IRecv(uint32(1), DefaultMaxMessageSize).Return(recvReq, nil)

		Expect(rank.Join(ctx)).To(Succeed())
	}

	It("should reject non-positive lookahead", func() {
		_, err := MakeBuilder().
			WithEngine(engine).
			WithCommunicator(comm).
			WithRegistry(registry).
			WithLookahead(1, 0).
			Build()

		Expect(err).To(MatchError(ErrInvalidLookahead))
	})

	It("should not send before joining", func() {
		Expect(rank.Send(1, Record{Time: 100})).To(MatchError(ErrNotJoined))
		Expect(rank.Run(ctx)).To(MatchError(ErrNotJoined))
	})

	It("should join", func() {
		join()

		Expect(rank.State()).To(Equal(RankJoined))
		Expect(rank.Lookahead(1)).To(Equal(sim.VTime(10)))
		Expect(rank.MinLookahead()).To(Equal(sim.VTime(4)))
		Expect(rank.GrantedTime()).To(Equal(sim.VTime(4)))
		Expect(engine.synchronizer).To(BeIdenticalTo(rank))
	})

	Context("when joined", func() {
		BeforeEach(func() {
			join()
		})

		It("should not send to itself", func() {
			Expect(rank.Send(0, Record{Time: 100})).To(MatchError(ErrSelfSend))
		})

		It("should panic when sending within the lookahead", func() {
			engine.now = 5

			Expect(func() { _ = rank.Send(1, Record{Time: 14}) }).To(Panic())
		})

		It("should panic when a record exceeds the message size", func() {
			rec := Record{Time: 100, Payload: make([]byte, DefaultMaxMessageSize)}

			Expect(func() { _ = rank.Send(1, rec) }).To(Panic())
		})

		It("should send records", func() {
			sendReq := NewMockRequest(mockCtrl)
			rec := Record{Time: 15, Node: 3, Device: 4, Payload: []byte("hello")}
			buf, _ := EncodeRecord(rec, DefaultMaxMessageSize)
			engine.now = 5

			comm.EXPECT().ISend(uint32(1), buf).Return(sendReq, nil)
			Expect(rank.Send(1, rec)).To(Succeed())
			Expect(rank.Sent()).To(Equal(uint64(1)))
			Expect(rank.PendingSends()).To(Equal(1))

			recvReq.EXPECT().Test().Return(false, nil).Times(2)
			gomock.InOrder(
				sendReq.EXPECT().Test().Return(false, nil),
				sendReq.EXPECT().Test().Return(true, nil),
			)

			Expect(rank.Poll()).To(Succeed())
			Expect(rank.PendingSends()).To(Equal(1))
			Expect(rank.Poll()).To(Succeed())
			Expect(rank.PendingSends()).To(Equal(0))
		})

		It("should return send errors", func() {
			comm.EXPECT().ISend(uint32(1), gomock.Any()).
				Return(nil, errors.New("broken pipe"))

			Expect(rank.Send(1, Record{Time: 100})).To(HaveOccurred())
			Expect(rank.Sent()).To(Equal(uint64(0)))
		})

		It("should stage received records", func() {
			var delivered []byte
			node := NewBasicNode(9)
			node.AddDevice(2, DeviceFunc(func(p []byte) { delivered = p }))
			registry.Add(3, node)

			buf, _ := EncodeRecord(
				Record{Time: 25, Node: 3, Device: 2, Payload: []byte("ping")},
				DefaultMaxMessageSize)
			nextReq := NewMockRequest(mockCtrl)

			recvReq.EXPECT().Test().Return(true, nil)
			recvReq.EXPECT().Data().Return(buf)
			comm.EXPECT().IRecv(uint32(1), DefaultMaxMessageSize).Return(nextReq, nil)
			nextReq.EXPECT().Test().Return(false, nil)

			Expect(rank.Poll()).To(Succeed())
			Expect(rank.Received()).To(Equal(uint64(1)))
			Expect(engine.staged).To(HaveLen(1))
			Expect(engine.staged[0].context).To(Equal(uint32(9)))
			Expect(engine.staged[0].time).To(Equal(sim.VTime(25)))

			engine.staged[0].cb()
			Expect(delivered).To(Equal([]byte("ping")))
		})

		It("should panic on records in the past", func() {
			node := NewBasicNode(9)
			node.AddDevice(2, DeviceFunc(func([]byte) {}))
			registry.Add(3, node)
			engine.now = 30

			buf, _ := EncodeRecord(Record{Time: 25, Node: 3, Device: 2},
				DefaultMaxMessageSize)
			recvReq.EXPECT().Test().Return(true, nil)
			recvReq.EXPECT().Data().Return(buf)

			Expect(func() { _ = rank.Poll() }).To(Panic())
		})

		It("should panic on records for unknown nodes", func() {
			buf, _ := EncodeRecord(Record{Time: 25, Node: 3, Device: 2},
				DefaultMaxMessageSize)
			recvReq.EXPECT().Test().Return(true, nil)
			recvReq.EXPECT().Data().Return(buf)

			Expect(func() { _ = rank.Poll() }).To(Panic())
		})

		It("should panic on truncated records", func() {
			recvReq.EXPECT().Test().Return(true, nil)
			recvReq.EXPECT().Data().Return([]byte{1, 2, 3})

			Expect(func() { _ = rank.Poll() }).To(Panic())
		})

		It("should return receive errors", func() {
			recvReq.EXPECT().Test().Return(false, errors.New("connection reset"))

			Expect(rank.Poll()).To(HaveOccurred())
		})

		It("should execute granted events without synchronizing", func() {
			execute, done, err := rank.Grant(4, false)

			Expect(err).NotTo(HaveOccurred())
			Expect(execute).To(BeTrue())
			Expect(done).To(BeFalse())
			Expect(rank.Rounds()).To(Equal(uint64(0)))
		})

		gather := func(other lbts) {
			comm.EXPECT().AllGather(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, buf []byte) ([][]byte, error) {
					return [][]byte{buf, other.encode()}, nil
				})
		}

		It("should grant time up to the earliest event plus the lookahead", func() {
			gather(lbts{rank: 1, next: 25})

			execute, done, err := rank.Grant(30, false)

			Expect(err).NotTo(HaveOccurred())
			Expect(execute).To(BeFalse())
			Expect(done).To(BeFalse())
			Expect(rank.GrantedTime()).To(Equal(sim.VTime(29)))
			Expect(rank.Rounds()).To(Equal(uint64(1)))
		})

		It("should not grant time while records are in flight", func() {
			gather(lbts{rank: 1, txCount: 1, next: 25})

			execute, done, err := rank.Grant(6, false)

			Expect(err).NotTo(HaveOccurred())
			Expect(execute).To(BeFalse())
			Expect(done).To(BeFalse())
			Expect(rank.GrantedTime()).To(Equal(sim.VTime(4)))
		})

		It("should not finish while records are in flight", func() {
			gather(lbts{rank: 1, txCount: 1, finished: true, next: sim.MaxTime})

			_, done, err := rank.Grant(sim.MaxTime, true)

			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeFalse())
			Expect(rank.GloballyFinished()).To(BeFalse())
		})

		It("should finish when every rank is finished", func() {
			gather(lbts{rank: 1, finished: true, next: sim.MaxTime})

			execute, done, err := rank.Grant(sim.MaxTime, true)

			Expect(err).NotTo(HaveOccurred())
			Expect(execute).To(BeFalse())
			Expect(done).To(BeTrue())
			Expect(rank.GloballyFinished()).To(BeTrue())
		})

		It("should saturate the granted time", func() {
			gather(lbts{rank: 1, finished: true, next: sim.MaxTime})

			execute, done, err := rank.Grant(sim.MaxTime-1, false)

			Expect(err).NotTo(HaveOccurred())
			Expect(execute).To(BeTrue())
			Expect(done).To(BeFalse())
			Expect(rank.GrantedTime()).To(Equal(sim.MaxTime))
		})

		It("should return synchronization errors", func() {
			comm.EXPECT().AllGather(gomock.Any(), gomock.Any()).
				Return(nil, context.Canceled)

			_, _, err := rank.Grant(30, false)

			Expect(err).To(MatchError(context.Canceled))
		})

		It("should run and leave", func() {
			Expect(rank.Run(ctx)).To(Succeed())
			Expect(rank.State()).To(Equal(RankJoined))

			recvReq.EXPECT().Cancel()
			comm.EXPECT().Barrier(gomock.Any()).Return(nil)
			comm.EXPECT().Close().Return(nil)

			Expect(rank.Leave(ctx)).To(Succeed())
			Expect(rank.State()).To(Equal(RankFinalized))
			Expect(rank.Leave(ctx)).To(MatchError(ErrNotJoined))
		})

		It("should return engine errors from run", func() {
			engine.runErr = errors.New("engine failed")

			Expect(rank.Run(ctx)).To(MatchError(engine.runErr))
		})
	})
})
