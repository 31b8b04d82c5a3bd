package tcp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

type frameKind byte

const (
	frameHello frameKind = iota + 1
	frameData
	frameGather
)

const frameHeaderSize = 5

// maxFrameSize bounds what a peer can make us allocate.
const maxFrameSize = 1 << 30

func writeFrame(w *bufio.Writer, kind frameKind, payload []byte) error {
	var header [frameHeaderSize]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	if _, err := w.Write(payload); err != nil {
		return err
	}

	return nil
}

func readFrame(r *bufio.Reader) (frameKind, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("tcp: frame of %d bytes", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return frameKind(header[0]), payload, nil
}
