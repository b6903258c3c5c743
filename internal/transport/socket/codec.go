package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single request or pushed response.
const MaxFrameSize = 8 << 20

const headerSize = 4

var (
	ErrEmptyFrame    = errors.New("socket: empty frame")
	ErrFrameTooLarge = errors.New("socket: frame too large")
)

// WriteFrame writes payload behind its big-endian length in a single write so
// frames from concurrent pushes never interleave on an unbuffered writer.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned untouched
// when the peer closes between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	switch sz := binary.BigEndian.Uint32(header[:]); {
	case sz == 0:
		return nil, ErrEmptyFrame
	case sz > MaxFrameSize:
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, sz)
	default:
		payload := make([]byte, sz)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
		return payload, nil
	}
}
