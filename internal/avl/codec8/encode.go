package codec8

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode builds a Codec 8 payload carrying recs. Header and tail count are
// both len(recs).
func Encode(recs []Record) ([]byte, error) {
	if len(recs) > math.MaxUint8 {
		return nil, fmt.Errorf("codec8: too many records %d", len(recs))
	}
	buf := make([]byte, 0, 2+len(recs)*32+1)
	buf = append(buf, CodecID, byte(len(recs)))
	for i := range recs {
		var err error
		buf, err = appendRecord(buf, &recs[i])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	buf = append(buf, byte(len(recs)))
	return buf, nil
}

func appendRecord(buf []byte, r *Record) ([]byte, error) {
	be := binary.BigEndian
	buf = be.AppendUint64(buf, uint64(r.Timestamp))
	buf = append(buf, r.Priority)
	buf = be.AppendUint32(buf, uint32(int32(math.Round(r.Longitude*Precision))))
	buf = be.AppendUint32(buf, uint32(int32(math.Round(r.Latitude*Precision))))
	buf = be.AppendUint16(buf, uint16(r.Altitude))
	buf = be.AppendUint16(buf, r.Angle)
	buf = append(buf, r.Satellites)
	buf = be.AppendUint16(buf, r.Speed)
	buf = append(buf, r.EventID, byte(len(r.IO)))

	for _, w := range ioWidths {
		var sec []IOElement
		for _, io := range r.IO {
			if io.Size == w {
				sec = append(sec, io)
			}
		}
		if len(sec) > math.MaxUint8 {
			return nil, fmt.Errorf("codec8: too many %d byte io elements", w)
		}
		buf = append(buf, byte(len(sec)))
		for _, io := range sec {
			buf = append(buf, io.ID)
			switch w {
			case 1:
				buf = append(buf, byte(io.Value))
			case 2:
				buf = be.AppendUint16(buf, uint16(io.Value))
			case 4:
				buf = be.AppendUint32(buf, uint32(io.Value))
			case 8:
				buf = be.AppendUint64(buf, io.Value)
			}
		}
	}
	for _, io := range r.IO {
		switch io.Size {
		case 1, 2, 4, 8:
		default:
			return nil, fmt.Errorf("codec8: io element %d has width %d", io.ID, io.Size)
		}
	}
	return buf, nil
}
