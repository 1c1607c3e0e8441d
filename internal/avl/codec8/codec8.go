// Package codec8 decodes and encodes Teltonika Codec 8 AVL data packets.
package codec8

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/phuslu/log"
)

const (
	CodecID = 0x08

	// coordinates are transmitted as degrees * 1e7
	Precision = 10000000.0
)

// widths of the four io sections, in order
var ioWidths = [4]int{1, 2, 4, 8}

var ErrUnsupportedCodec = errors.New("codec8: unsupported codec")

type IOElement struct {
	ID    uint8  `json:"id"`
	Size  int    `json:"size"`
	Value uint64 `json:"value"`
}

type Record struct {
	Timestamp  int64       `json:"ts"`
	Priority   uint8       `json:"priority"`
	Longitude  float64     `json:"lon"`
	Latitude   float64     `json:"lat"`
	Altitude   int16       `json:"alt"`
	Angle      uint16      `json:"angle"`
	Satellites uint8       `json:"sats"`
	Speed      uint16      `json:"speed"`
	EventID    uint8       `json:"event_id"`
	IO         []IOElement `json:"io,omitempty"`
}

// HasFix reports whether the record carries a usable position.
func (r *Record) HasFix() bool {
	return r.Satellites > 0 &&
		!math.IsNaN(r.Latitude) && !math.IsInf(r.Latitude, 0) &&
		!math.IsNaN(r.Longitude) && !math.IsInf(r.Longitude, 0)
}

func (r *Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

func (r *Record) MarshalObject(e *log.Entry) {
	e.Int64("ts", r.Timestamp).Float64("lat", r.Latitude).Float64("lon", r.Longitude).Int("sats", int(r.Satellites)).Int("speed", int(r.Speed))
}

type Packet struct {
	CodecID     uint8
	HeaderCount int
	TailCount   int
	Records     []Record
}

func (p *Packet) Fixes() int {
	n := 0
	for i := range p.Records {
		if p.Records[i].HasFix() {
			n++
		}
	}
	return n
}

func (p *Packet) MarshalObject(e *log.Entry) {
	e.Int("codec", int(p.CodecID)).Int("n1", p.HeaderCount).Int("n2", p.TailCount).Int("records", len(p.Records))
}

// HeaderCount returns the record count announced in the payload header,
// or 0 when the payload is too short to carry one.
func HeaderCount(payload []byte) int {
	if len(payload) < 2 {
		return 0
	}
	return int(payload[1])
}

// Decode parses one frame payload. A payload for another codec yields a
// Packet with only CodecID and HeaderCount set together with ErrUnsupportedCodec.
func Decode(payload []byte) (*Packet, error) {
	c := NewCursor(payload)
	id, err := c.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("codec id: %w", err)
	}
	n, err := c.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("header count: %w", err)
	}
	p := &Packet{CodecID: id, HeaderCount: int(n)}
	if id != CodecID {
		return p, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCodec, id)
	}

	p.Records = make([]Record, 0, n)
	for i := 0; i < int(n); i++ {
		rec, err := readRecord(c)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		p.Records = append(p.Records, rec)
	}

	tail, err := c.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("tail count: %w", err)
	}
	p.TailCount = int(tail)
	return p, nil
}

func readRecord(c *Cursor) (Record, error) {
	var r Record
	ts, err := c.ReadUint64BE()
	if err != nil {
		return r, err
	}
	r.Timestamp = int64(ts)
	if r.Priority, err = c.ReadUint8(); err != nil {
		return r, err
	}
	lon, err := c.ReadInt32BE()
	if err != nil {
		return r, err
	}
	lat, err := c.ReadInt32BE()
	if err != nil {
		return r, err
	}
	r.Longitude = float64(lon) / Precision
	r.Latitude = float64(lat) / Precision
	if r.Altitude, err = c.ReadInt16BE(); err != nil {
		return r, err
	}
	if r.Angle, err = c.ReadUint16BE(); err != nil {
		return r, err
	}
	if r.Satellites, err = c.ReadUint8(); err != nil {
		return r, err
	}
	if r.Speed, err = c.ReadUint16BE(); err != nil {
		return r, err
	}
	if r.EventID, err = c.ReadUint8(); err != nil {
		return r, err
	}
	// total io count, redundant with the section counts
	if err = c.Skip(1); err != nil {
		return r, err
	}
	for _, w := range ioWidths {
		cnt, err := c.ReadUint8()
		if err != nil {
			return r, err
		}
		for j := 0; j < int(cnt); j++ {
			id, err := c.ReadUint8()
			if err != nil {
				return r, err
			}
			v, err := c.ReadUintN(w)
			if err != nil {
				return r, err
			}
			r.IO = append(r.IO, IOElement{ID: id, Size: w, Value: v})
		}
	}
	return r, nil
}
