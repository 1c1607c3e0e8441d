package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/avlgate/internal/avl/conn"
	"nuha.dev/avlgate/internal/avl/device"
	"nuha.dev/avlgate/internal/metrics"
)

const (
	NEW_CONNECTION      string = "new_connection"
	CONNECTION_REJECTED string = "connection_rejected"
	HANDSHAKE           string = "handshake"
	HANDSHAKE_ERROR     string = "handshake_error"
	FRAME_DECODED       string = "frame_decoded"
	FRAME_UNSUPPORTED   string = "frame_unsupported"
	FRAME_ERROR         string = "frame_error"
	CONNECTION_CLOSED   string = "connection_closed"
)

var ErrServerClosed = errors.New("server: closed")

// Forwarder receives every accepted fix. Put must not block.
type Forwarder interface {
	Put(imei string, lat, lon float64, ts int64)
}

// Emitter publishes device events. Emit must not block.
type Emitter interface {
	Emit(ctx context.Context, topic string, data interface{})
}

type ServerConfig struct {
	ListenerAddr   string
	ProxyProtocol  bool
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	MaxConnections int
	MaxPayload     int
	ReadBufferSize int
	TunnelAddr     string
	TunnelToken    string
}

type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	cid_counter uint64
	devices     *device.Store
	store       Forwarder
	bus         Emitter
	metrics     *metrics.AppMetrics
	listeners   []net.Listener
	conns       map[uint64]*conn.Conn
	tunnel      *yamux.Session
	sem         chan struct{}
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closing     bool
}

func NewServer(devices *device.Store, store Forwarder, bus Emitter, m *metrics.AppMetrics, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "avl-server").Value()
	s.config = config
	if s.config.ReadBufferSize <= 0 {
		s.config.ReadBufferSize = 4096
	}
	s.devices = devices
	s.store = store
	s.bus = bus
	s.metrics = m
	s.conns = make(map[uint64]*conn.Conn)
	if config.MaxConnections > 0 {
		s.sem = make(chan struct{}, config.MaxConnections)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Run listens on the configured address, and dials the tunnel when one is
// configured, then serves until Shutdown.
func (s *Server) Run() error {
	s.log.Info().Msgf("starting avl-server on %s", s.config.ListenerAddr)
	lc := net.ListenConfig{KeepAlive: s.config.KeepAlive}
	ln, err := lc.Listen(s.ctx, "tcp", s.config.ListenerAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	if s.config.TunnelAddr != "" {
		go s.runTunnel()
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server shuts down or ln is
// closed. Other accept errors are logged and retried with a backoff.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				s.log.Error().Err(err).Msg("listener closed")
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.Error().Err(err).Dur("retry_in", delay).Msg("failed to accept new connection")
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0
		s.accept(c, c.RemoteAddr().String())
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) accept(c net.Conn, raddr string) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn().Str("event", CONNECTION_REJECTED).Str("remote", raddr).Int("max", s.config.MaxConnections).Msg("connection limit reached")
			c.Close()
			return
		}
	}
	cid := atomic.AddUint64(&s.cid_counter, 1)
	wc := conn.NewConnWithAddr(c, raddr, cid)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		wc.Close()
		s.release()
		return
	}
	s.conns[cid] = wc
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.TCPAccepted.Inc()
	s.metrics.ActiveConnections.Inc()
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(wc).Msg("")

	h := s.newHandler(wc)
	go func() {
		defer s.wg.Done()
		h.handle()
		s.mu.Lock()
		delete(s.conns, cid)
		s.mu.Unlock()
		s.metrics.ActiveConnections.Dec()
		s.release()
	}()
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

// Connections returns the stats of every open device connection.
func (s *Server) Connections() []conn.Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conn.Stat, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Stat())
	}
	return out
}

// Shutdown stops accepting, closes every open connection and waits for
// their handlers to mark the devices offline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		s.cancel()
		for _, ln := range s.listeners {
			ln.Close()
		}
		if s.tunnel != nil {
			s.tunnel.Close()
		}
		for _, c := range s.conns {
			c.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("avl-server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
