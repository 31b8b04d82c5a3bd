package distributed

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/netkernel/sim"
)

// RecordHeaderSize is the number of bytes before the payload of an encoded
// Record.
const RecordHeaderSize = 16

// DefaultMaxMessageSize bounds the encoded size of a Record unless the Rank
// is configured otherwise.
const DefaultMaxMessageSize = 64 * 1024

var (
	// ErrMalformedRecord is returned when bytes cannot be decoded as a
	// Record.
	ErrMalformedRecord = errors.New("distributed: malformed record")

	// ErrRecordTooLarge is returned when a Record does not fit into a
	// message.
	ErrRecordTooLarge = errors.New("distributed: record too large")
)

// A Record is a message delivered to a device of a node on another rank.
type Record struct {
	Time    sim.VTime
	Node    uint32
	Device  uint32
	Payload []byte
}

// Size returns the encoded size of the record.
func (r Record) Size() int {
	return RecordHeaderSize + len(r.Payload)
}

// EncodeRecord serializes r as an 8-byte big-endian time, a 4-byte node id, a
// 4-byte device id and the payload.
func EncodeRecord(r Record, maxSize int) ([]byte, error) {
	if r.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d",
			ErrRecordTooLarge, r.Size(), maxSize)
	}

	buf := make([]byte, r.Size())
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[8:12], r.Node)
	binary.BigEndian.PutUint32(buf[12:16], r.Device)
	copy(buf[RecordHeaderSize:], r.Payload)

	return buf, nil
}

// DecodeRecord parses a Record. The payload aliases buf.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(buf))
	}

	return Record{
		Time:    sim.VTime(binary.BigEndian.Uint64(buf[0:8])),
		Node:    binary.BigEndian.Uint32(buf[8:12]),
		Device:  binary.BigEndian.Uint32(buf[12:16]),
		Payload: buf[RecordHeaderSize:],
	}, nil
}
