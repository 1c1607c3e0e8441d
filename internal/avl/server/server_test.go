package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/avlgate/internal/avl/codec8"
	"nuha.dev/avlgate/internal/avl/device"
	"nuha.dev/avlgate/internal/avl/event"
	"nuha.dev/avlgate/internal/avl/frame"
	"nuha.dev/avlgate/internal/metrics"
)

type putCall struct {
	imei     string
	lat, lon float64
	ts       int64
}

type fakeForwarder struct {
	mu   sync.Mutex
	puts []putCall
}

func (f *fakeForwarder) Put(imei string, lat, lon float64, ts int64) {
	f.mu.Lock()
	f.puts = append(f.puts, putCall{imei, lat, lon, ts})
	f.mu.Unlock()
}

func (f *fakeForwarder) all() []putCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]putCall(nil), f.puts...)
}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *fakeBus) Emit(_ context.Context, topic string, _ interface{}) {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
}

func (b *fakeBus) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...)
}

type fixture struct {
	s       *Server
	devices *device.Store
	fwd     *fakeForwarder
	bus     *fakeBus
	metrics *metrics.AppMetrics
	addr    string
}

func newFixture(t *testing.T, cfg *ServerConfig) *fixture {
	f := &fixture{devices: device.NewStore(), fwd: &fakeForwarder{}, bus: &fakeBus{}}
	f.metrics = metrics.NewAppMetrics(prometheus.NewRegistry())
	f.s = NewServer(f.devices, f.fwd, f.bus, f.metrics, cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()
	go f.s.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.s.Shutdown(ctx)
	})
	return f
}

func (f *fixture) dial(t *testing.T) net.Conn {
	c, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func handshake(t *testing.T, c net.Conn, imei string) {
	_, err := c.Write(frame.EncodeHandshake(imei))
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = io.ReadFull(c, b)
	require.NoError(t, err)
	require.Equal(t, frame.HandshakeAck, b[0])
}

func readAck(t *testing.T, c net.Conn) uint32 {
	b := make([]byte, 4)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return binary.BigEndian.Uint32(b)
}

func encodeFrame(t *testing.T, recs ...codec8.Record) []byte {
	p, err := codec8.Encode(recs)
	require.NoError(t, err)
	return frame.Encode(p)
}

var fixRecord = codec8.Record{Timestamp: 1700000000000, Latitude: 12.345678, Longitude: -70, Satellites: 6}

func TestHandshakeAndFix(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "356307042441013")

	st, ok := f.devices.Get("356307042441013")
	require.True(t, ok)
	assert.True(t, st.Online)
	assert.Equal(t, device.Connecting, st.Phase)

	_, err := c.Write(encodeFrame(t, fixRecord))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), readAck(t, c))

	st, _ = f.devices.Get("356307042441013")
	assert.Equal(t, device.Connected, st.Phase)
	assert.True(t, st.HasFix)
	assert.Equal(t, uint8(6), st.Satellites)
	assert.InDelta(t, 12.345678, st.LastFix.Latitude, 1e-9)
	assert.InDelta(t, -70.0, st.LastFix.Longitude, 1e-9)
	assert.Equal(t, int64(1700000000000), *st.LastFixTimestamp)

	puts := f.fwd.all()
	require.Len(t, puts, 1)
	assert.Equal(t, "356307042441013", puts[0].imei)
	assert.Equal(t, int64(1700000000000), puts[0].ts)
	assert.Equal(t, []string{event.TopicConnected, event.TopicFix}, f.bus.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FramesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OnlineGauge))
}

func TestZeroFixFrame(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "1234")

	_, err := c.Write(encodeFrame(t, fixRecord))
	require.NoError(t, err)
	readAck(t, c)

	_, err = c.Write(encodeFrame(t, codec8.Record{Timestamp: 1700000001000}, codec8.Record{Timestamp: 1700000002000}))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), readAck(t, c))

	st, _ := f.devices.Get("1234")
	assert.Equal(t, device.Connecting, st.Phase)
	assert.False(t, st.HasFix)
	assert.Equal(t, uint8(0), st.Satellites)
	require.NotNil(t, st.LastFix)
	assert.InDelta(t, 12.345678, st.LastFix.Latitude, 1e-9)
	assert.Len(t, f.fwd.all(), 1)
}

func TestUnsupportedCodecAcknowledged(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "1234")

	_, err := c.Write(frame.Encode([]byte{0x8e, 3, 0xff, 0xff, 3}))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), readAck(t, c))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FramesTotal.WithLabelValues("unsupported")))
	assert.Empty(t, f.fwd.all())
}

func TestTruncatedFrameAcknowledged(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "1234")

	p, err := codec8.Encode([]codec8.Record{fixRecord})
	require.NoError(t, err)
	// drop the io sections and the tail count
	bad := p[:len(p)-5]
	_, err = c.Write(frame.Encode(bad))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), readAck(t, c))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FramesTotal.WithLabelValues("decode_error")))

	// the connection keeps working
	_, err = c.Write(encodeFrame(t, fixRecord))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), readAck(t, c))
	assert.Len(t, f.fwd.all(), 1)
}

func TestEmptyPayloadAcknowledgedWithZero(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "1234")

	_, err := c.Write(frame.Encode(nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), readAck(t, c))
}

func TestByteByByteDelivery(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)

	stream := frame.EncodeHandshake("1234")
	stream = append(stream, 0xde, 0xad, 0xbe)
	stream = append(stream, encodeFrame(t, fixRecord)...)
	stream = append(stream, encodeFrame(t, fixRecord, fixRecord)...)
	for i := range stream {
		_, err := c.Write(stream[i : i+1])
		require.NoError(t, err)
	}

	b := make([]byte, 9)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 1, 0, 0, 0, 2}, b)
	assert.Len(t, f.fwd.all(), 3)
}

func TestOfflineAfterClose(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "1234")

	all := f.devices.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Online)

	c.Close()
	require.Eventually(t, func() bool {
		st, _ := f.devices.Get("1234")
		return !st.Online
	}, 2*time.Second, 10*time.Millisecond)
	all = f.devices.All()
	require.Len(t, all, 1)
	assert.Equal(t, "1234", all[0].IMEI)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.OnlineGauge))
	require.Eventually(t, func() bool {
		topics := f.bus.all()
		return len(topics) == 2 && topics[1] == event.TopicDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, &ServerConfig{IdleTimeout: 100 * time.Millisecond})
	c := f.dial(t)
	handshake(t, c, "1234")

	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		st, _ := f.devices.Get("1234")
		return !st.Online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyIdentifierRejected(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	_, err := c.Write([]byte{0, 0})
	require.NoError(t, err)
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 0, f.devices.Len())
}

func TestFrameTooLargeCloses(t *testing.T) {
	f := newFixture(t, &ServerConfig{MaxPayload: 32})
	c := f.dial(t)
	handshake(t, c, "1234")
	_, err := c.Write([]byte{0, 0, 0, 0, 0x7f, 0xff, 0xff, 0xff, 8, 1, 0, 0})
	require.NoError(t, err)
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestConnectionLimit(t *testing.T) {
	f := newFixture(t, &ServerConfig{MaxConnections: 1})
	first := f.dial(t)
	handshake(t, first, "1")

	second := f.dial(t)
	_, err := second.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Len(t, f.s.Connections(), 1)
}

func TestShutdownMarksOffline(t *testing.T) {
	f := newFixture(t, &ServerConfig{})
	c := f.dial(t)
	handshake(t, c, "1234")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.s.Shutdown(ctx))
	st, _ := f.devices.Get("1234")
	assert.False(t, st.Online)
	assert.Empty(t, f.s.Connections())
}

func TestTunnel(t *testing.T) {
	tl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer tl.Close()

	f := newFixture(t, &ServerConfig{TunnelAddr: tl.Addr().String(), TunnelToken: "secret"})
	go f.s.runTunnel()

	yconn, err := tl.Accept()
	require.NoError(t, err)
	defer yconn.Close()
	tok := make([]byte, 20)
	n, err := yconn.Read(tok)
	require.NoError(t, err)
	require.Equal(t, "secret", string(tok[:n]))
	_, err = yconn.Write([]byte{'+'})
	require.NoError(t, err)

	session, err := yamux.Server(yconn, nil)
	require.NoError(t, err)
	defer session.Close()
	stream, err := session.Open()
	require.NoError(t, err)
	defer stream.Close()

	_, err = fmt.Fprintf(stream, "10.0.0.9:4000\n")
	require.NoError(t, err)
	handshake(t, stream, "tunneled")
	_, err = stream.Write(encodeFrame(t, fixRecord))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), readAck(t, stream))

	conns := f.s.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "10.0.0.9", conns[0].Socket[0])
	assert.Equal(t, "tunneled", conns[0].IMEI)
}

type tempError struct{}

func (tempError) Error() string   { return "accept: too many open files" }
func (tempError) Timeout() bool   { return false }
func (tempError) Temporary() bool { return true }

// flakyListener fails the first fails Accept calls before delegating.
type flakyListener struct {
	net.Listener
	mu    sync.Mutex
	fails int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, tempError{}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestServeSurvivesTransientAcceptErrors(t *testing.T) {
	devices := device.NewStore()
	s := NewServer(devices, &fakeForwarder{}, &fakeBus{}, metrics.NewAppMetrics(prometheus.NewRegistry()), &ServerConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(&flakyListener{Listener: ln, fails: 3}) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	handshake(t, c, "1234")
	_, ok := devices.Get("1234")
	assert.True(t, ok)

	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestServeReturnsWhenListenerClosed(t *testing.T) {
	s := NewServer(device.NewStore(), &fakeForwarder{}, &fakeBus{}, metrics.NewAppMetrics(prometheus.NewRegistry()), &ServerConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()
	time.Sleep(20 * time.Millisecond)
	ln.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the listener closed")
	}
}

func (s *Server) currentTunnel() *yamux.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnel
}

func TestTunnelSessionReleasedOnEnd(t *testing.T) {
	tl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer tl.Close()

	f := newFixture(t, &ServerConfig{TunnelAddr: tl.Addr().String(), TunnelToken: "secret"})
	go f.s.runTunnel()

	yconn, err := tl.Accept()
	require.NoError(t, err)
	tok := make([]byte, 6)
	_, err = io.ReadFull(yconn, tok)
	require.NoError(t, err)
	_, err = yconn.Write([]byte{'+'})
	require.NoError(t, err)
	session, err := yamux.Server(yconn, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.s.currentTunnel() != nil }, 2*time.Second, 10*time.Millisecond)
	session.Close()
	yconn.Close()
	require.Eventually(t, func() bool { return f.s.currentTunnel() == nil }, 2*time.Second, 10*time.Millisecond)
}
