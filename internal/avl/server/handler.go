package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"nuha.dev/avlgate/internal/avl/codec8"
	"nuha.dev/avlgate/internal/avl/conn"
	"nuha.dev/avlgate/internal/avl/event"
	"nuha.dev/avlgate/internal/avl/frame"

	"github.com/phuslu/log"
)

// handler drives one device connection: it waits for the IMEI handshake,
// then decodes and acknowledges frames until the socket terminates.
type handler struct {
	s         *Server
	c         *conn.Conn
	r         *frame.Reader
	imei      string
	streaming bool
}

func (s *Server) newHandler(c *conn.Conn) *handler {
	return &handler{s: s, c: c, r: frame.NewReader(s.config.MaxPayload)}
}

func (h *handler) MarshalObject(e *log.Entry) {
	e.EmbedObject(h.c).Bool("streaming", h.streaming)
}

func (h *handler) handle() {
	err := h.loop()
	h.close(err)
}

func (h *handler) loop() error {
	buf := make([]byte, h.s.config.ReadBufferSize)
	for {
		if h.s.config.IdleTimeout > 0 {
			_ = h.c.SetReadDeadline(time.Now().Add(h.s.config.IdleTimeout))
		}
		n, err := h.c.Read(buf)
		if n > 0 {
			if perr := h.onData(buf[:n]); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (h *handler) onData(p []byte) error {
	now := time.Now()
	h.s.metrics.TCPBytesReceived.Add(float64(len(p)))
	h.r.Feed(p)

	if !h.streaming {
		id, ok, err := h.r.Handshake()
		if err != nil {
			h.s.metrics.HandshakeTotal.WithLabelValues("error").Inc()
			h.s.log.Error().Err(err).Str("event", HANDSHAKE_ERROR).EmbedObject(h).Msg("invalid handshake")
			return fmt.Errorf("handshake: %w", err)
		}
		if !ok {
			return nil
		}
		h.imei = id
		h.c.SetIMEI(id)
		h.s.devices.Register(id, now)
		h.s.metrics.OnlineGauge.Inc()
		if _, err := h.c.WriteTimeout([]byte{frame.HandshakeAck}, h.s.config.WriteTimeout); err != nil {
			return fmt.Errorf("handshake ack: %w", err)
		}
		h.streaming = true
		h.s.metrics.HandshakeTotal.WithLabelValues("ok").Inc()
		h.s.log.Info().Str("event", HANDSHAKE).EmbedObject(h.c).Msg("")
		h.s.bus.Emit(h.s.ctx, event.TopicConnected, event.Connected{IMEI: id, Cid: h.c.Cid(), Socket: h.c.Stat().Socket, At: now})
	} else {
		h.s.devices.Touch(h.imei, now)
	}

	for {
		payload, ok, err := h.r.Next()
		if err != nil {
			h.s.log.Error().Err(err).Str("event", FRAME_ERROR).EmbedObject(h.c).Msg("unrecoverable framing error")
			return err
		}
		if !ok {
			return nil
		}
		if err := h.onFrame(payload); err != nil {
			return err
		}
	}
}

// onFrame decodes one payload, updates the device state, forwards the fixes
// and acknowledges the header record count, whatever the decode outcome.
func (h *handler) onFrame(payload []byte) error {
	n := codec8.HeaderCount(payload)
	pkt, err := codec8.Decode(payload)

	var recs []codec8.Record
	switch {
	case err == nil:
		recs = pkt.Records
		h.s.metrics.FramesTotal.WithLabelValues("ok").Inc()
		h.s.metrics.RecordsTotal.Add(float64(len(recs)))
		h.s.log.Debug().Str("event", FRAME_DECODED).EmbedObject(h.c).EmbedObject(pkt).Int("fixes", pkt.Fixes()).Msg("")
	case errors.Is(err, codec8.ErrUnsupportedCodec):
		h.s.metrics.FramesTotal.WithLabelValues("unsupported").Inc()
		h.s.log.Warn().Err(err).Str("event", FRAME_UNSUPPORTED).EmbedObject(h.c).Int("n1", n).Msg("frame skipped")
	default:
		h.s.metrics.FramesTotal.WithLabelValues("decode_error").Inc()
		h.s.log.Error().Err(err).Str("event", FRAME_ERROR).EmbedObject(h.c).Int("n1", n).Msg("decode failed")
		h.s.log.Trace().EmbedObject(h.c).Hex("payload", payload).Msg("")
	}

	h.s.devices.ApplyFrame(h.imei, recs)

	now := time.Now()
	for i := range recs {
		rec := &recs[i]
		if !rec.HasFix() {
			continue
		}
		h.s.metrics.FixesTotal.Inc()
		h.s.store.Put(h.imei, rec.Latitude, rec.Longitude, rec.Timestamp)
		h.s.bus.Emit(h.s.ctx, event.TopicFix, event.Fix{IMEI: h.imei, ServerTime: now, Record: *rec})
	}

	if _, err := h.c.WriteTimeout(frame.HeaderAck(n), h.s.config.WriteTimeout); err != nil {
		return fmt.Errorf("frame ack: %w", err)
	}
	return nil
}

func closeReason(err error) string {
	var ne net.Error
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, io.EOF):
		return "end"
	case errors.As(err, &ne) && ne.Timeout():
		return "idle_timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

func (h *handler) close(err error) {
	h.c.Close()
	h.r.Reset()
	reason := closeReason(err)
	if h.imei != "" {
		h.s.devices.MarkOffline(h.imei)
		h.s.metrics.OnlineGauge.Dec()
		h.s.bus.Emit(h.s.ctx, event.TopicDisconnected, event.Disconnected{IMEI: h.imei, Cid: h.c.Cid(), Reason: reason, At: time.Now()})
	}
	st := h.c.Stat()
	e := h.s.log.Info()
	if reason == "error" {
		e = h.s.log.Warn().Err(err)
	}
	e.Str("event", CONNECTION_CLOSED).EmbedObject(h.c).Str("reason", reason).Uint64("byte_in", st.ByteIn).Uint64("byte_out", st.ByteOut).Msg("")
}
