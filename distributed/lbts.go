package distributed

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/netkernel/sim"
)

const lbtsSize = 29

// lbts is what a rank contributes to a lower-bound-time-stamp round.
type lbts struct {
	rxCount  uint64
	txCount  uint64
	rank     uint32
	finished bool
	next     sim.VTime
}

func (m lbts) encode() []byte {
	buf := make([]byte, lbtsSize)
	binary.BigEndian.PutUint64(buf[0:8], m.rxCount)
	binary.BigEndian.PutUint64(buf[8:16], m.txCount)
	binary.BigEndian.PutUint32(buf[16:20], m.rank)
	if m.finished {
		buf[20] = 1
	}
	binary.BigEndian.PutUint64(buf[21:29], uint64(m.next))

	return buf
}

func decodeLBTS(buf []byte) (lbts, error) {
	if len(buf) != lbtsSize {
		return lbts{}, fmt.Errorf("%w: lbts of %d bytes", ErrMalformedRecord, len(buf))
	}

	return lbts{
		rxCount:  binary.BigEndian.Uint64(buf[0:8]),
		txCount:  binary.BigEndian.Uint64(buf[8:16]),
		rank:     binary.BigEndian.Uint32(buf[16:20]),
		finished: buf[20] != 0,
		next:     sim.VTime(binary.BigEndian.Uint64(buf[21:29])),
	}, nil
}

// lbtsResult is the agreement reached by a round.
type lbtsResult struct {
	inFlight bool
	smallest sim.VTime
	finished bool
}

func reduceLBTS(all []lbts) lbtsResult {
	var rx, tx uint64

	res := lbtsResult{smallest: sim.MaxTime, finished: true}
	for _, m := range all {
		rx += m.rxCount
		tx += m.txCount
		res.finished = res.finished && m.finished
		res.smallest = min(res.smallest, m.next)
	}

	res.inFlight = rx != tx
	res.finished = res.finished && !res.inFlight

	return res
}
