package distributed

import (
	"errors"
	"fmt"

	"github.com/sarchlab/netkernel/sim"
	"github.com/sirupsen/logrus"
)

// ErrInvalidLookahead is returned when a lookahead is not positive.
var ErrInvalidLookahead = errors.New("distributed: lookahead must be positive")

// Builder can build Ranks.
type Builder struct {
	engine           Engine
	comm             Communicator
	registry         Registry
	ownsComm         bool
	lookahead        map[uint32]sim.VTime
	defaultLookahead sim.VTime
	maxMessageSize   int
	logger           logrus.FieldLogger
}

// MakeBuilder creates a new Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// WithEngine sets the engine the rank synchronizes.
func (b Builder) WithEngine(e Engine) Builder {
	b.engine = e
	return b
}

// WithCommunicator sets the communicator. The rank does not close it.
func (b Builder) WithCommunicator(c Communicator) Builder {
	b.comm = c
	b.ownsComm = false
	return b
}

// WithOwnedCommunicator sets a communicator that the rank closes on Leave.
func (b Builder) WithOwnedCommunicator(c Communicator) Builder {
	b.comm = c
	b.ownsComm = true
	return b
}

// WithRegistry sets the registry that resolves inbound records.
func (b Builder) WithRegistry(r Registry) Builder {
	b.registry = r
	return b
}

// WithDefaultLookahead sets the lookahead of links without an explicit one.
func (b Builder) WithDefaultLookahead(l sim.VTime) Builder {
	b.defaultLookahead = l
	return b
}

// WithLookahead sets the lookahead of the link to a peer rank.
func (b Builder) WithLookahead(peer uint32, l sim.VTime) Builder {
	lookahead := make(map[uint32]sim.VTime, len(b.lookahead)+1)
	for k, v := range b.lookahead {
		lookahead[k] = v
	}

	lookahead[peer] = l
	b.lookahead = lookahead

	return b
}

// WithMaxMessageSize bounds the encoded size of a Record.
func (b Builder) WithMaxMessageSize(n int) Builder {
	b.maxMessageSize = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.logger = l
	return b
}

// Build creates the Rank.
func (b Builder) Build() (*Rank, error) {
	if b.engine == nil {
		return nil, errors.New("distributed: engine is required")
	}

	if b.comm == nil {
		return nil, errors.New("distributed: communicator is required")
	}

	if b.registry == nil {
		return nil, errors.New("distributed: registry is required")
	}

	if b.maxMessageSize < RecordHeaderSize {
		return nil, fmt.Errorf("distributed: max message size %d is below the record header size",
			b.maxMessageSize)
	}

	id, size := b.comm.Rank(), b.comm.Size()
	lookahead := make([]sim.VTime, size)

	for peer := uint32(0); peer < size; peer++ {
		if peer == id {
			continue
		}

		l, ok := b.lookahead[peer]
		if !ok {
			l = b.defaultLookahead
		}

		if l <= 0 {
			return nil, fmt.Errorf("%w: link %d->%d has %d",
				ErrInvalidLookahead, id, peer, int64(l))
		}

		lookahead[peer] = l
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Rank{
		engine:         b.engine,
		comm:           b.comm,
		registry:       b.registry,
		ownsComm:       b.ownsComm,
		id:             id,
		size:           size,
		lookahead:      lookahead,
		maxMessageSize: b.maxMessageSize,
		logger:         logger.WithField("rank", id),
	}
	r.sends.Init()

	return r, nil
}
