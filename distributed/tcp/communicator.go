// Package tcp provides a Communicator that connects ranks running as
// separate processes over a full mesh of TCP connections.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sarchlab/netkernel/distributed"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by the operations of a closed Communicator.
	ErrClosed = errors.New("tcp: communicator closed")

	// ErrTruncated is returned when a message exceeds the size of the
	// receive.
	ErrTruncated = errors.New("tcp: message truncated")
)

const dialRetryInterval = 50 * time.Millisecond

// Communicator is a full mesh of TCP connections between ranks.
type Communicator struct {
	rank  uint32
	size  uint32
	peers []*peer
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Dial listens on addrs[rank] and connects to all the other ranks.
func Dial(ctx context.Context, rank uint32, addrs []string) (*Communicator, error) {
	if int(rank) >= len(addrs) {
		return nil, fmt.Errorf("tcp: rank %d out of range [0, %d)", rank, len(addrs))
	}

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("tcp: listening on %s: %w", addrs[rank], err)
	}

	return Connect(ctx, rank, ln, addrs)
}

// Connect builds the mesh using an existing listener for the local rank.
// Each rank accepts connections from the ranks above it and dials the ranks
// below it. The listener is closed once the mesh is complete.
func Connect(
	ctx context.Context,
	rank uint32,
	ln net.Listener,
	addrs []string,
) (*Communicator, error) {
	defer ln.Close()

	size := uint32(len(addrs))
	if rank >= size {
		return nil, fmt.Errorf("tcp: rank %d out of range [0, %d)", rank, size)
	}

	c := &Communicator{
		rank:  rank,
		size:  size,
		peers: make([]*peer, size),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	errs := make(chan error, 2)

	var mu sync.Mutex
	register := func(r uint32, conn net.Conn, reader *bufio.Reader) error {
		mu.Lock()
		defer mu.Unlock()

		if r >= size || r == rank || c.peers[r] != nil {
			return fmt.Errorf("tcp: unexpected hello from rank %d", r)
		}

		p := newPeer(r, conn)
		c.peers[r] = p
		p.start(&c.wg, reader)

		return nil
	}

	go func() { errs <- c.acceptPeers(ln, register) }()
	go func() { errs <- c.dialPeers(ctx, addrs, register) }()

	var err error
	for range 2 {
		if e := <-errs; e != nil && err == nil {
			err = e
			cancel()
		}
	}

	if err != nil {
		_ = c.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"rank": rank,
		"size": size,
	}).Debug("tcp mesh connected")

	return c, nil
}

func (c *Communicator) acceptPeers(
	ln net.Listener,
	register func(uint32, net.Conn, *bufio.Reader) error,
) error {
	for i := c.rank + 1; i < c.size; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tcp: accepting: %w", err)
		}

		reader := bufio.NewReader(conn)

		kind, payload, err := readFrame(reader)
		if err != nil || kind != frameHello || len(payload) != 4 {
			_ = conn.Close()
			return fmt.Errorf("tcp: bad hello from %s", conn.RemoteAddr())
		}

		if err := register(binary.BigEndian.Uint32(payload), conn, reader); err != nil {
			_ = conn.Close()
			return err
		}
	}

	return nil
}

func (c *Communicator) dialPeers(
	ctx context.Context,
	addrs []string,
	register func(uint32, net.Conn, *bufio.Reader) error,
) error {
	var d net.Dialer

	for r := uint32(0); r < c.rank; r++ {
		conn, err := dialWithRetry(ctx, &d, addrs[r])
		if err != nil {
			return err
		}

		hello := make([]byte, 4)
		binary.BigEndian.PutUint32(hello, c.rank)

		w := bufio.NewWriter(conn)
		if err := writeFrame(w, frameHello, hello); err == nil {
			err = w.Flush()
		}

		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("tcp: greeting rank %d: %w", r, err)
		}

		if err := register(r, conn, bufio.NewReader(conn)); err != nil {
			_ = conn.Close()
			return err
		}
	}

	return nil
}

func dialWithRetry(ctx context.Context, d *net.Dialer, addr string) (net.Conn, error) {
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tcp: dialing %s: %w", addr, err)
		case <-time.After(dialRetryInterval):
		}
	}
}

// Rank returns the id of the local rank.
func (c *Communicator) Rank() uint32 {
	return c.rank
}

// Size returns the number of ranks.
func (c *Communicator) Size() uint32 {
	return c.size
}

func (c *Communicator) peer(r uint32) (*peer, error) {
	if r >= c.size {
		return nil, fmt.Errorf("tcp: rank %d out of range [0, %d)", r, c.size)
	}

	if r == c.rank {
		return nil, fmt.Errorf("tcp: rank %d is the local rank", r)
	}

	return c.peers[r], nil
}

// ISend queues buf for the writer of the connection to dst. The request
// completes once buf has been written to the connection.
func (c *Communicator) ISend(dst uint32, buf []byte) (distributed.Request, error) {
	p, err := c.peer(dst)
	if err != nil {
		return nil, err
	}

	req := &sendRequest{peer: p}
	if err := p.enqueue(outFrame{kind: frameData, payload: buf, req: req}); err != nil {
		return nil, err
	}

	return req, nil
}

// IRecv starts receiving the next message from src.
func (c *Communicator) IRecv(src uint32, maxSize int) (distributed.Request, error) {
	p, err := c.peer(src)
	if err != nil {
		return nil, err
	}

	return &recvRequest{peer: p, maxSize: maxSize}, nil
}

// Barrier blocks until all ranks have entered it.
func (c *Communicator) Barrier(ctx context.Context) error {
	_, err := c.AllGather(ctx, nil)
	return err
}

// AllGather sends buf to every peer and waits for the contribution of each
// of them.
func (c *Communicator) AllGather(ctx context.Context, buf []byte) ([][]byte, error) {
	all := make([][]byte, c.size)
	all[c.rank] = append([]byte{}, buf...)

	for _, p := range c.peers {
		if p == nil {
			continue
		}

		if err := p.enqueue(outFrame{kind: frameGather, payload: buf}); err != nil {
			return nil, err
		}
	}

	for r, p := range c.peers {
		if p == nil {
			continue
		}

		b, err := p.nextGather(ctx)
		if err != nil {
			return nil, err
		}

		all[r] = b
	}

	return all, nil
}

func (p *peer) nextGather(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.gathers) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if p.err != nil {
			return nil, p.err
		}

		if p.closed {
			return nil, ErrClosed
		}

		p.cond.Wait()
	}

	b := p.gathers[0]
	p.gathers[0] = nil
	p.gathers = p.gathers[1:]

	return b, nil
}

// Close shuts the connections down and waits for the connection goroutines.
func (c *Communicator) Close() error {
	c.closeOnce.Do(func() {
		for _, p := range c.peers {
			if p != nil {
				p.close()
			}
		}

		c.wg.Wait()
	})

	return nil
}

type sendRequest struct {
	peer *peer
	done bool
	err  error
}

func (r *sendRequest) Test() (bool, error) {
	r.peer.mu.Lock()
	defer r.peer.mu.Unlock()

	return r.done, r.err
}

func (r *sendRequest) Data() []byte {
	return nil
}

// Cancel does nothing. A queued frame is still written.
func (r *sendRequest) Cancel() {}

type recvRequest struct {
	peer      *peer
	maxSize   int
	data      []byte
	done      bool
	cancelled bool
}

func (r *recvRequest) Test() (bool, error) {
	if r.done {
		return true, nil
	}

	if r.cancelled {
		return false, nil
	}

	p := r.peer
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.data) == 0 {
		return false, p.err
	}

	msg := p.data[0]
	if len(msg) > r.maxSize {
		return false, fmt.Errorf("%w: %d bytes from rank %d, limit %d",
			ErrTruncated, len(msg), p.rank, r.maxSize)
	}

	p.data[0] = nil
	p.data = p.data[1:]

	r.data = msg
	r.done = true

	return true, nil
}

func (r *recvRequest) Data() []byte {
	return r.data
}

func (r *recvRequest) Cancel() {
	r.cancelled = true
}
