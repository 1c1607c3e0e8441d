package codec8

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrOutOfBounds = errors.New("codec8: read out of bounds")

// Cursor walks an immutable byte slice. Reads never go past the end of the
// slice, they return ErrOutOfBounds instead.
type Cursor struct {
	b   []byte
	off int
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{b: b}
}

func (c *Cursor) Offset() int {
	return c.off
}

func (c *Cursor) Remaining() int {
	return len(c.b) - c.off
}

func (c *Cursor) take(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrOutOfBounds, n, c.off, c.Remaining())
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p, nil
}

func (c *Cursor) Skip(n int) error {
	_, err := c.take(n)
	return err
}

func (c *Cursor) ReadUint8() (uint8, error) {
	p, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (c *Cursor) ReadUint16BE() (uint16, error) {
	p, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (c *Cursor) ReadInt16BE() (int16, error) {
	v, err := c.ReadUint16BE()
	return int16(v), err
}

func (c *Cursor) ReadUint32BE() (uint32, error) {
	p, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (c *Cursor) ReadInt32BE() (int32, error) {
	v, err := c.ReadUint32BE()
	return int32(v), err
}

func (c *Cursor) ReadUint64BE() (uint64, error) {
	p, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// ReadUintN reads an n byte big endian unsigned value, n being 1, 2, 4 or 8.
func (c *Cursor) ReadUintN(n int) (uint64, error) {
	switch n {
	case 1:
		v, err := c.ReadUint8()
		return uint64(v), err
	case 2:
		v, err := c.ReadUint16BE()
		return uint64(v), err
	case 4:
		v, err := c.ReadUint32BE()
		return uint64(v), err
	case 8:
		return c.ReadUint64BE()
	default:
		return 0, fmt.Errorf("codec8: unsupported value width %d", n)
	}
}
