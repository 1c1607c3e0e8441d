// fakefmb simulates a Teltonika FMB tracker: it sends the IMEI handshake and
// then a Codec 8 frame every interval, checking every ack.
package main

import (
	"encoding/binary"
	"flag"
	"io"
	"math"
	"net"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/avl/codec8"
	"nuha.dev/avlgate/internal/avl/frame"
)

var (
	addr     = flag.String("addr", "127.0.0.1:3001", "gateway address")
	imei     = flag.String("imei", "356307042441013", "device identifier")
	interval = flag.Duration("interval", 5*time.Second, "time between frames")
	records  = flag.Int("records", 2, "records per frame")
	count    = flag.Int("count", 0, "frames to send, 0 sends forever")
	nofix    = flag.Bool("nofix", false, "send records without satellites")
	lat      = flag.Float64("lat", -6.2000, "start latitude")
	lon      = flag.Float64("lon", 106.8166, "start longitude")
)

func main() {
	flag.Parse()
	log.DefaultLogger.Context = log.NewContext(nil).Str("module", "fakefmb").Str("imei", *imei).Value()

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("unable to dial")
	}
	defer c.Close()

	if _, err = c.Write(frame.EncodeHandshake(*imei)); err != nil {
		log.Fatal().Err(err).Msg("writing handshake")
	}
	ack := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err = io.ReadFull(c, ack); err != nil {
		log.Fatal().Err(err).Msg("reading handshake ack")
	}
	if ack[0] != frame.HandshakeAck {
		log.Fatal().Uint8("ack", ack[0]).Msg("handshake rejected")
	}
	log.Info().Msg("handshake accepted")

	step := 0
	for n := 0; *count == 0 || n < *count; n++ {
		recs := make([]codec8.Record, *records)
		for i := range recs {
			step++
			recs[i] = position(step)
		}
		payload, err := codec8.Encode(recs)
		if err != nil {
			log.Fatal().Err(err).Msg("encoding records")
		}
		if _, err = c.Write(frame.Encode(payload)); err != nil {
			log.Fatal().Err(err).Msg("writing frame")
		}
		reply := make([]byte, 4)
		_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
		if _, err = io.ReadFull(c, reply); err != nil {
			log.Fatal().Err(err).Msg("reading frame ack")
		}
		got := binary.BigEndian.Uint32(reply)
		if got != uint32(len(recs)) {
			log.Warn().Uint32("ack", got).Int("sent", len(recs)).Msg("unexpected ack count")
		} else {
			log.Info().Uint32("ack", got).Msg("frame acked")
		}
		time.Sleep(*interval)
	}
}

// position walks a small circle around the start point.
func position(step int) codec8.Record {
	a := float64(step) * math.Pi / 36
	r := codec8.Record{
		Timestamp:  time.Now().UnixMilli(),
		Latitude:   *lat + 0.001*math.Sin(a),
		Longitude:  *lon + 0.001*math.Cos(a),
		Altitude:   12,
		Angle:      uint16(step*5) % 360,
		Satellites: 9,
		Speed:      30,
		IO: []codec8.IOElement{
			{ID: 239, Size: 1, Value: 1},
			{ID: 66, Size: 2, Value: 12600},
		},
	}
	if *nofix {
		r.Satellites = 0
	}
	return r
}
