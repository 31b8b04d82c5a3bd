package distributed

import "context"

// A Request is an outstanding non-blocking send or receive.
type Request interface {
	// Test reports whether the operation has completed. It never blocks.
	Test() (bool, error)

	// Data returns the received bytes of a completed receive.
	Data() []byte

	// Cancel abandons the operation. Cancelling a completed request does
	// nothing.
	Cancel()
}

// A Communicator moves bytes between the ranks of a simulation. Ranks are
// numbered from 0 to Size()-1.
//
// ISend and IRecv must not block. Messages between a pair of ranks are
// delivered in the order they are sent.
type Communicator interface {
	// Rank returns the id of the local rank.
	Rank() uint32

	// Size returns the number of ranks.
	Size() uint32

	// ISend starts sending buf to rank dst. The communicator may keep buf
	// until the request completes.
	ISend(dst uint32, buf []byte) (Request, error)

	// IRecv starts receiving one message of at most maxSize bytes from
	// rank src.
	IRecv(src uint32, maxSize int) (Request, error)

	// Barrier blocks until all ranks have entered it.
	Barrier(ctx context.Context) error

	// AllGather contributes buf and returns the contributions of all the
	// ranks, indexed by rank.
	AllGather(ctx context.Context, buf []byte) ([][]byte, error)

	// Close releases the resources of the communicator.
	Close() error
}
