package frame

import (
	"encoding/binary"
)

// Encode wraps payload into a wire frame. The checksum is CRC-16/IBM of the
// payload stored in the low half of the 4 byte trailer.
func Encode(payload []byte) []byte {
	b := make([]byte, HeaderLen, MinFrameLen+len(payload))
	binary.BigEndian.PutUint32(b[PreambleLen:], uint32(len(payload)))
	b = append(b, payload...)
	b = binary.BigEndian.AppendUint32(b, uint32(CRC16(payload)))
	return b
}

// EncodeHandshake builds the identifier message a device sends on connect.
func EncodeHandshake(id string) []byte {
	b := make([]byte, 2, 2+len(id))
	binary.BigEndian.PutUint16(b, uint16(len(id)))
	return append(b, id...)
}

// HeaderAck is the reply to one frame, the header record count as uint32.
func HeaderAck(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func CRC16(p []byte) uint16 {
	var crc uint16
	for _, c := range p {
		crc ^= uint16(c)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
