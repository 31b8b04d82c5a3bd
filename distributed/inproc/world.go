// Package inproc provides a Communicator that connects ranks running as
// goroutines of the same process.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sarchlab/netkernel/distributed"
)

var (
	// ErrClosed is returned by the operations of a closed Communicator.
	ErrClosed = errors.New("inproc: communicator closed")

	// ErrTruncated is returned when a message exceeds the size of the
	// receive.
	ErrTruncated = errors.New("inproc: message truncated")
)

type message struct {
	data  []byte
	taken bool
}

// A World is a set of ranks that share memory.
type World struct {
	mu   sync.Mutex
	cond *sync.Cond
	size uint32

	// mailboxes[dst][src] holds the messages not received yet.
	mailboxes [][][]*message

	gen      uint64
	arrived  uint32
	pending  [][]byte
	gathered [][]byte

	comms []*Communicator
}

// NewWorld creates a world of n ranks.
func NewWorld(n uint32) *World {
	w := &World{
		size:      n,
		mailboxes: make([][][]*message, n),
		pending:   make([][]byte, n),
		comms:     make([]*Communicator, n),
	}
	w.cond = sync.NewCond(&w.mu)

	for i := range w.mailboxes {
		w.mailboxes[i] = make([][]*message, n)
	}

	for i := range w.comms {
		w.comms[i] = &Communicator{world: w, rank: uint32(i)}
	}

	return w
}

// Size returns the number of ranks.
func (w *World) Size() uint32 {
	return w.size
}

// Communicator returns the communicator of a rank.
func (w *World) Communicator(rank uint32) *Communicator {
	return w.comms[rank]
}

// Communicators returns the communicators of all the ranks.
func (w *World) Communicators() []distributed.Communicator {
	comms := make([]distributed.Communicator, len(w.comms))
	for i, c := range w.comms {
		comms[i] = c
	}

	return comms
}

func (w *World) allGather(ctx context.Context, rank uint32, buf []byte) ([][]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending[rank] != nil {
		return nil, fmt.Errorf("inproc: rank %d is already gathering", rank)
	}

	w.pending[rank] = append(make([]byte, 0, len(buf)), buf...)
	w.arrived++

	if w.arrived == w.size {
		w.gathered = w.pending
		w.pending = make([][]byte, w.size)
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()

		return slices.Clone(w.gathered), nil
	}

	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	gen := w.gen
	for w.gen == gen {
		if err := ctx.Err(); err != nil {
			w.pending[rank] = nil
			w.arrived--

			return nil, err
		}

		if w.comms[rank].closed {
			w.pending[rank] = nil
			w.arrived--

			return nil, ErrClosed
		}

		w.cond.Wait()
	}

	return slices.Clone(w.gathered), nil
}

// Communicator is the view of a World from one rank.
type Communicator struct {
	world  *World
	rank   uint32
	closed bool
}

// Rank returns the id of the local rank.
func (c *Communicator) Rank() uint32 {
	return c.rank
}

// Size returns the number of ranks.
func (c *Communicator) Size() uint32 {
	return c.world.size
}

func (c *Communicator) checkPeer(peer uint32) error {
	if peer >= c.world.size {
		return fmt.Errorf("inproc: rank %d out of range [0, %d)", peer, c.world.size)
	}

	if c.closed {
		return ErrClosed
	}

	return nil
}

// ISend queues a copy of buf in the mailbox of dst. The request completes
// once dst has received the message.
func (c *Communicator) ISend(dst uint32, buf []byte) (distributed.Request, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := c.checkPeer(dst); err != nil {
		return nil, err
	}

	msg := &message{data: append(make([]byte, 0, len(buf)), buf...)}
	w.mailboxes[dst][c.rank] = append(w.mailboxes[dst][c.rank], msg)

	return &sendRequest{world: w, msg: msg}, nil
}

// IRecv starts receiving the next message from src.
func (c *Communicator) IRecv(src uint32, maxSize int) (distributed.Request, error) {
	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := c.checkPeer(src); err != nil {
		return nil, err
	}

	return &recvRequest{comm: c, src: src, maxSize: maxSize}, nil
}

// Barrier blocks until all ranks have entered it.
func (c *Communicator) Barrier(ctx context.Context) error {
	_, err := c.AllGather(ctx, nil)
	return err
}

// AllGather returns the contributions of all the ranks.
func (c *Communicator) AllGather(ctx context.Context, buf []byte) ([][]byte, error) {
	c.world.mu.Lock()
	closed := c.closed
	c.world.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	return c.world.allGather(ctx, c.rank, buf)
}

// Close marks the communicator as closed. Messages already sent by the rank
// can still be received.
func (c *Communicator) Close() error {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()

	c.closed = true
	c.world.cond.Broadcast()

	return nil
}

type sendRequest struct {
	world     *World
	msg       *message
	cancelled bool
}

func (r *sendRequest) Test() (bool, error) {
	r.world.mu.Lock()
	defer r.world.mu.Unlock()

	return r.msg.taken || r.cancelled, nil
}

func (r *sendRequest) Data() []byte {
	return nil
}

func (r *sendRequest) Cancel() {
	r.world.mu.Lock()
	defer r.world.mu.Unlock()

	r.cancelled = true
}

type recvRequest struct {
	comm      *Communicator
	src       uint32
	maxSize   int
	data      []byte
	done      bool
	cancelled bool
}

func (r *recvRequest) Test() (bool, error) {
	if r.done {
		return true, nil
	}

	w := r.comm.world
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.cancelled {
		return false, nil
	}

	box := w.mailboxes[r.comm.rank][r.src]
	if len(box) == 0 {
		return false, nil
	}

	msg := box[0]
	if len(msg.data) > r.maxSize {
		return false, fmt.Errorf("%w: %d bytes from rank %d, limit %d",
			ErrTruncated, len(msg.data), r.src, r.maxSize)
	}

	box[0] = nil
	w.mailboxes[r.comm.rank][r.src] = box[1:]

	msg.taken = true
	r.data = msg.data
	r.done = true

	return true, nil
}

func (r *recvRequest) Data() []byte {
	return r.data
}

func (r *recvRequest) Cancel() {
	w := r.comm.world
	w.mu.Lock()
	defer w.mu.Unlock()

	r.cancelled = true
}
