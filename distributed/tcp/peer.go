package tcp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
)

type outFrame struct {
	kind    frameKind
	payload []byte
	req     *sendRequest
}

// peer is the connection to one remote rank. A writer goroutine drains the
// outbox so that ISend never blocks; a reader goroutine sorts inbound frames
// into the data and gather inboxes.
type peer struct {
	rank uint32
	conn net.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	outbox  []outFrame
	data    [][]byte
	gathers [][]byte
	err     error
	closed  bool

	writerDone chan struct{}
}

func newPeer(rank uint32, conn net.Conn) *peer {
	p := &peer{rank: rank, conn: conn, writerDone: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)

	return p
}

func (p *peer) start(wg *sync.WaitGroup, r *bufio.Reader) {
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(p.writerDone)
		p.writeLoop()
	}()

	go func() {
		defer wg.Done()
		p.readLoop(r)
	}()
}

func (p *peer) enqueue(f outFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	if p.closed {
		return ErrClosed
	}

	p.outbox = append(p.outbox, f)
	p.cond.Broadcast()

	return nil
}

func (p *peer) writeLoop() {
	w := bufio.NewWriter(p.conn)

	for {
		p.mu.Lock()
		for len(p.outbox) == 0 && !p.closed && p.err == nil {
			p.cond.Wait()
		}

		if len(p.outbox) == 0 || p.err != nil {
			p.mu.Unlock()
			return
		}

		batch := p.outbox
		p.outbox = nil
		p.mu.Unlock()

		var err error
		for _, f := range batch {
			if err = writeFrame(w, f.kind, f.payload); err != nil {
				break
			}
		}

		if err == nil {
			err = w.Flush()
		}

		p.mu.Lock()
		for _, f := range batch {
			if f.req == nil {
				continue
			}

			f.req.err = err
			f.req.done = err == nil
		}

		if err != nil {
			p.fail(fmt.Errorf("tcp: writing to rank %d: %w", p.rank, err))
		}
		p.mu.Unlock()
	}
}

func (p *peer) readLoop(r *bufio.Reader) {
	for {
		kind, payload, err := readFrame(r)
		if err != nil {
			p.mu.Lock()
			if !p.closed {
				p.fail(fmt.Errorf("tcp: reading from rank %d: %w", p.rank, err))
			}
			p.mu.Unlock()

			return
		}

		p.mu.Lock()
		switch kind {
		case frameData:
			p.data = append(p.data, payload)
		case frameGather:
			p.gathers = append(p.gathers, payload)
		default:
			p.fail(fmt.Errorf("tcp: unexpected frame kind %d from rank %d", kind, p.rank))
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// fail records the first error. It must be called with the lock held.
func (p *peer) fail(err error) {
	if p.err == nil {
		p.err = err
	}

	p.cond.Broadcast()
}

// close lets the writer flush the outbox before closing the connection.
func (p *peer) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	<-p.writerDone
	_ = p.conn.Close()
}
