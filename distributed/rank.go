package distributed

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/sarchlab/netkernel/sim"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotJoined is returned when a Rank is used before Join or after
	// Leave.
	ErrNotJoined = errors.New("distributed: rank has not joined")

	// ErrSelfSend is returned when a Rank sends a Record to itself.
	ErrSelfSend = errors.New("distributed: cannot send to the local rank")
)

// Engine is the part of an engine a Rank needs.
type Engine interface {
	sim.TimeTeller
	sim.ContextStager

	SetSynchronizer(s sim.Synchronizer)
	Run() error
}

// RankState is the lifecycle state of a Rank.
type RankState int32

// The lifecycle states of a Rank.
const (
	RankUninitialized RankState = iota
	RankJoined
	RankRunning
	RankDraining
	RankFinalized
)

var rankStateNames = [...]string{
	RankUninitialized: "Uninitialized",
	RankJoined:        "Joined",
	RankRunning:       "Running",
	RankDraining:      "Draining",
	RankFinalized:     "Finalized",
}

func (s RankState) String() string {
	if s < RankUninitialized || s > RankFinalized {
		return "RankState(" + strconv.Itoa(int(s)) + ")"
	}

	return rankStateNames[s]
}

// A Rank is one partition of a distributed simulation. It exchanges Records
// with the other ranks and keeps its engine from running ahead of what the
// other ranks can still send to it.
//
// The engine only executes events up to the granted time. When it needs to
// go further, every rank contributes its next event time and message counts
// to a collective round. Once no message is in flight, the new granted time
// is the earliest next event of all ranks plus the smallest lookahead.
type Rank struct {
	engine   Engine
	comm     Communicator
	registry Registry
	ownsComm bool
	logger   logrus.FieldLogger

	id, size       uint32
	lookahead      []sim.VTime
	minLookahead   atomic.Int64
	maxMessageSize int

	ctx   context.Context
	recvs []Request
	sends list.List

	txCount        atomic.Uint64
	rxCount        atomic.Uint64
	granted        atomic.Int64
	rounds         atomic.Uint64
	globalFinished atomic.Bool
	state          atomic.Int32
}

// ID returns the id of the rank.
func (r *Rank) ID() uint32 {
	return r.id
}

// Size returns the number of ranks.
func (r *Rank) Size() uint32 {
	return r.size
}

// State returns the lifecycle state.
func (r *Rank) State() RankState {
	return RankState(r.state.Load())
}

// Lookahead returns the lookahead of the link to a peer.
func (r *Rank) Lookahead(peer uint32) sim.VTime {
	return r.lookahead[peer]
}

// MinLookahead returns the smallest lookahead of all links in the simulation.
// It is known after Join.
func (r *Rank) MinLookahead() sim.VTime {
	return sim.VTime(r.minLookahead.Load())
}

// GrantedTime returns the time up to which the engine may run.
func (r *Rank) GrantedTime() sim.VTime {
	return sim.VTime(r.granted.Load())
}

// Sent returns the number of records sent.
func (r *Rank) Sent() uint64 {
	return r.txCount.Load()
}

// Received returns the number of records received.
func (r *Rank) Received() uint64 {
	return r.rxCount.Load()
}

// Rounds returns the number of synchronization rounds taken part in.
func (r *Rank) Rounds() uint64 {
	return r.rounds.Load()
}

// PendingSends returns the number of sends that have not completed. It must
// be called from the goroutine that runs the engine.
func (r *Rank) PendingSends() int {
	return r.sends.Len()
}

// Join waits for all the ranks, agrees on the smallest lookahead, starts
// receiving from every peer and installs the rank as the synchronizer of the
// engine.
func (r *Rank) Join(ctx context.Context) error {
	if r.State() != RankUninitialized {
		return fmt.Errorf("distributed: cannot join a %s rank", r.State())
	}

	if err := r.comm.Barrier(ctx); err != nil {
		return fmt.Errorf("distributed: startup barrier: %w", err)
	}

	if err := r.reduceLookahead(ctx); err != nil {
		return err
	}

	r.recvs = make([]Request, r.size)
	for peer := uint32(0); peer < r.size; peer++ {
		if peer == r.id {
			continue
		}

		if err := r.armReceive(peer); err != nil {
			r.cancelReceives()
			return err
		}
	}

	r.ctx = ctx
	r.granted.Store(r.minLookahead.Load())
	r.engine.SetSynchronizer(r)
	r.state.Store(int32(RankJoined))

	r.logger.WithFields(logrus.Fields{
		"size":      r.size,
		"lookahead": r.minLookahead.Load(),
	}).Info("rank joined")

	return nil
}

func (r *Rank) reduceLookahead(ctx context.Context) error {
	local := sim.MaxTime
	for peer, l := range r.lookahead {
		if uint32(peer) != r.id {
			local = min(local, l)
		}
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(local))

	all, err := r.comm.AllGather(ctx, buf)
	if err != nil {
		return fmt.Errorf("distributed: gathering lookahead: %w", err)
	}

	global := sim.MaxTime
	for _, b := range all {
		if len(b) != 8 {
			return fmt.Errorf("%w: lookahead of %d bytes", ErrMalformedRecord, len(b))
		}

		global = min(global, sim.VTime(binary.BigEndian.Uint64(b)))
	}

	r.minLookahead.Store(int64(global))

	return nil
}

func (r *Rank) armReceive(peer uint32) error {
	req, err := r.comm.IRecv(peer, r.maxMessageSize)
	if err != nil {
		return fmt.Errorf("distributed: receiving from rank %d: %w", peer, err)
	}

	r.recvs[peer] = req

	return nil
}

// Run runs the engine until every rank is finished and no record is in
// flight, then waits for the local sends to complete.
func (r *Rank) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(RankJoined), int32(RankRunning)) {
		if r.State() == RankUninitialized || r.State() == RankFinalized {
			return ErrNotJoined
		}

		return fmt.Errorf("distributed: cannot run a %s rank", r.State())
	}

	r.ctx = ctx

	err := r.engine.Run()

	r.state.Store(int32(RankDraining))
	if drainErr := r.drainSends(ctx); err == nil {
		err = drainErr
	}
	r.state.Store(int32(RankJoined))

	if err != nil {
		return fmt.Errorf("distributed: rank %d: %w", r.id, err)
	}

	r.logger.WithFields(logrus.Fields{
		"sent":     r.Sent(),
		"received": r.Received(),
		"rounds":   r.Rounds(),
	}).Info("rank finished")

	return nil
}

// Send transfers a record to the rank dst. The delivery time must not be
// earlier than the current time plus the lookahead of the link.
func (r *Rank) Send(dst uint32, rec Record) error {
	if s := r.State(); s != RankJoined && s != RankRunning {
		return ErrNotJoined
	}

	if dst == r.id {
		return ErrSelfSend
	}

	if dst >= r.size {
		return fmt.Errorf("distributed: rank %d out of range [0, %d)", dst, r.size)
	}

	earliest := r.engine.Now().SaturatingAdd(r.lookahead[dst])
	if rec.Time < earliest {
		r.fatalf("record for rank %d at %d is within the lookahead, earliest %d",
			dst, int64(rec.Time), int64(earliest))
	}

	buf, err := EncodeRecord(rec, r.maxMessageSize)
	if err != nil {
		r.fatalf("%v", err)
	}

	req, err := r.comm.ISend(dst, buf)
	if err != nil {
		return fmt.Errorf("distributed: sending to rank %d: %w", dst, err)
	}

	r.sends.PushBack(req)
	r.txCount.Add(1)

	return nil
}

// SendPacket serializes p and sends it to a device of a node on rank dst.
func (r *Rank) SendPacket(
	dst uint32,
	node, device uint32,
	at sim.VTime,
	p Packet,
) error {
	payload, err := p.Serialize()
	if err != nil {
		return fmt.Errorf("distributed: serializing packet: %w", err)
	}

	if len(payload) != p.Size() {
		r.fatalf("packet serialized to %d bytes, expected %d", len(payload), p.Size())
	}

	return r.Send(dst, Record{Time: at, Node: node, Device: device, Payload: payload})
}

// Poll stages the records that have arrived and retires completed sends.
func (r *Rank) Poll() error {
	for peer, req := range r.recvs {
		if req == nil {
			continue
		}

		if err := r.pollPeer(uint32(peer)); err != nil {
			return err
		}
	}

	return r.testSends()
}

func (r *Rank) pollPeer(peer uint32) error {
	for {
		done, err := r.recvs[peer].Test()
		if err != nil {
			return fmt.Errorf("distributed: receiving from rank %d: %w", peer, err)
		}

		if !done {
			return nil
		}

		r.deliver(peer, r.recvs[peer].Data())
		r.rxCount.Add(1)

		if err := r.armReceive(peer); err != nil {
			return err
		}
	}
}

func (r *Rank) deliver(peer uint32, buf []byte) {
	rec, err := DecodeRecord(buf)
	if err != nil {
		r.fatalf("from rank %d: %v", peer, err)
	}

	now := r.engine.Now()
	if rec.Time < now {
		r.fatalf("record from rank %d at %d arrived in the past, now %d",
			peer, int64(rec.Time), int64(now))
	}

	node, ok := r.registry.Node(rec.Node)
	if !ok {
		r.fatalf("record from rank %d for unknown node %d", peer, rec.Node)
	}

	dev, ok := node.Device(rec.Device)
	if !ok {
		r.fatalf("record from rank %d for unknown device %d of node %d",
			peer, rec.Device, rec.Node)
	}

	payload := rec.Payload
	r.engine.StageAt(node.Context(), rec.Time, func() {
		dev.Deliver(payload)
	})
}

func (r *Rank) testSends() error {
	for e := r.sends.Front(); e != nil; {
		next := e.Next()

		done, err := e.Value.(Request).Test()
		if err != nil {
			return fmt.Errorf("distributed: sending: %w", err)
		}

		if done {
			r.sends.Remove(e)
		}

		e = next
	}

	return nil
}

// Grant lets the engine execute the event at next if it is within the
// granted time. Otherwise, it takes part in a synchronization round.
func (r *Rank) Grant(next sim.VTime, finished bool) (execute, done bool, err error) {
	if !finished && next <= r.GrantedTime() {
		return true, false, nil
	}

	msg := lbts{
		rxCount:  r.rxCount.Load(),
		txCount:  r.txCount.Load(),
		rank:     r.id,
		finished: finished,
		next:     next,
	}

	all, err := r.comm.AllGather(r.ctx, msg.encode())
	if err != nil {
		return false, false, fmt.Errorf("distributed: synchronization round: %w", err)
	}

	msgs := make([]lbts, len(all))
	for i, buf := range all {
		if msgs[i], err = decodeLBTS(buf); err != nil {
			return false, false, err
		}
	}

	r.rounds.Add(1)
	res := reduceLBTS(msgs)

	if res.finished {
		r.globalFinished.Store(true)
		return false, true, nil
	}

	if res.inFlight {
		return false, false, nil
	}

	granted := res.smallest.SaturatingAdd(r.MinLookahead())
	r.granted.Store(int64(granted))

	r.logger.WithField("granted", int64(granted)).Debug("time granted")

	return !finished && next <= granted, false, nil
}

// GloballyFinished returns true once all the ranks have agreed that the
// simulation is over.
func (r *Rank) GloballyFinished() bool {
	return r.globalFinished.Load()
}

func (r *Rank) drainSends(ctx context.Context) error {
	for r.sends.Len() > 0 {
		if err := r.testSends(); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		runtime.Gosched()
	}

	return nil
}

// Leave cancels the outstanding receives, waits for all the ranks and closes
// the communicator if the rank owns it.
func (r *Rank) Leave(ctx context.Context) error {
	if s := r.State(); s != RankJoined {
		if s == RankUninitialized || s == RankFinalized {
			return ErrNotJoined
		}

		return fmt.Errorf("distributed: cannot leave a %s rank", s)
	}

	r.state.Store(int32(RankDraining))

	if err := r.drainSends(ctx); err != nil {
		return err
	}

	r.cancelReceives()

	err := r.comm.Barrier(ctx)
	if err != nil {
		err = fmt.Errorf("distributed: final barrier: %w", err)
	}

	if r.ownsComm {
		if closeErr := r.comm.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("distributed: closing communicator: %w", closeErr)
		}
	}

	r.state.Store(int32(RankFinalized))

	return err
}

func (r *Rank) cancelReceives() {
	for i, req := range r.recvs {
		if req != nil {
			req.Cancel()
			r.recvs[i] = nil
		}
	}
}

func (r *Rank) fatalf(format string, args ...any) {
	logrus.WithField("rank", r.id).Panicf(format, args...)
}
