// Package frame reassembles the Teltonika TCP stream: the IMEI handshake
// followed by preamble delimited AVL frames.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	PreambleLen = 4
	HeaderLen   = 8 // preamble + payload length
	CRCLen      = 4
	MinFrameLen = HeaderLen + CRCLen

	HandshakeAck byte = 0x01
)

var (
	ErrFrameTooLarge    = errors.New("frame: payload length exceeds limit")
	ErrEmptyIdentifier  = errors.New("frame: empty device identifier")
	ErrHandshakeDone    = errors.New("frame: handshake already completed")
	ErrHandshakePending = errors.New("frame: handshake not completed")
)

// Reader accumulates inbound chunks of one connection. It never blocks, every
// decision is made from bytes already fed.
type Reader struct {
	buf        []byte
	handshaked bool

	// MaxPayload bounds the announced payload length, 0 disables the check.
	MaxPayload int
}

func NewReader(maxPayload int) *Reader {
	return &Reader{MaxPayload: maxPayload}
}

func (r *Reader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) Handshaked() bool {
	return r.handshaked
}

// Reset drops everything buffered.
func (r *Reader) Reset() {
	r.buf = nil
}

// Handshake extracts the device identifier once enough bytes are buffered.
// ok is false while more bytes are needed.
func (r *Reader) Handshake() (id string, ok bool, err error) {
	if r.handshaked {
		return "", false, ErrHandshakeDone
	}
	if len(r.buf) < 2 {
		return "", false, nil
	}
	l := int(binary.BigEndian.Uint16(r.buf))
	if len(r.buf) < 2+l {
		return "", false, nil
	}
	raw := r.buf[2 : 2+l]
	b := make([]byte, l)
	for i, c := range raw {
		b[i] = c & 0x7f
	}
	r.consume(2 + l)
	r.handshaked = true
	if l == 0 {
		return "", false, ErrEmptyIdentifier
	}
	return string(b), true, nil
}

// Next returns the payload of the next complete frame. ok is false while the
// buffer holds no complete frame. Bytes in front of a preamble are dropped, and
// when no preamble is buffered only the last 3 bytes are kept.
func (r *Reader) Next() (payload []byte, ok bool, err error) {
	if !r.handshaked {
		return nil, false, ErrHandshakePending
	}
	for len(r.buf) >= MinFrameLen {
		i := indexPreamble(r.buf)
		if i < 0 {
			if len(r.buf) > PreambleLen-1 {
				r.consume(len(r.buf) - (PreambleLen - 1))
			}
			return nil, false, nil
		}
		if i > 0 {
			r.consume(i)
			continue
		}

		l := binary.BigEndian.Uint32(r.buf[PreambleLen:HeaderLen])
		if r.MaxPayload > 0 && uint64(l) > uint64(r.MaxPayload) {
			return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, l, r.MaxPayload)
		}
		total := uint64(MinFrameLen) + uint64(l)
		if uint64(len(r.buf)) < total {
			return nil, false, nil
		}
		payload = make([]byte, l)
		copy(payload, r.buf[HeaderLen:HeaderLen+int(l)])
		r.consume(int(total))
		return payload, true, nil
	}
	return nil, false, nil
}

func (r *Reader) consume(n int) {
	rest := len(r.buf) - n
	if rest == 0 {
		r.buf = r.buf[:0]
		return
	}
	copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
}

func indexPreamble(b []byte) int {
	run := 0
	for i, c := range b {
		if c != 0 {
			run = 0
			continue
		}
		run++
		if run == PreambleLen {
			return i - PreambleLen + 1
		}
	}
	return -1
}
