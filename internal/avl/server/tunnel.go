package server

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
)

// tunnelConn replays the bytes buffered while reading the address line.
type tunnelConn struct {
	r *bufio.Reader
	net.Conn
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// runTunnel keeps a reverse yamux session open to the tunnel server. Each
// stream the tunnel opens is one device connection whose first line is the
// device's remote address.
func (s *Server) runTunnel() {
	for !s.isClosing() {
		t0 := time.Now()
		s.runTunnelSession()
		if s.isClosing() {
			return
		}
		if time.Since(t0) > 10*time.Second {
			time.Sleep(1 * time.Second)
		} else {
			time.Sleep(5 * time.Second)
		}
	}
}

func (s *Server) runTunnelSession() {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	d := net.Dialer{Timeout: 10 * time.Second, KeepAlive: s.config.KeepAlive}
	yconn, err := d.DialContext(s.ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to dial tunnel server")
		return
	}
	_ = yconn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err = yconn.Write([]byte(s.config.TunnelToken)); err != nil {
		yconn.Close()
		s.log.Error().Err(err).Msg("unable to authenticate with tunnel server")
		return
	}
	status := []byte{0}
	if _, err = yconn.Read(status); err != nil {
		yconn.Close()
		s.log.Error().Err(err).Msg("unable to authenticate with tunnel server")
		return
	}
	if status[0] != '+' {
		yconn.Close()
		s.log.Error().Msg("tunnel rejected")
		return
	}
	_ = yconn.SetDeadline(time.Time{})
	s.log.Info().Msg("tunnel accepted")

	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		s.log.Error().Err(err).Msg("unable to start tunnel session")
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		session.Close()
		return
	}
	s.tunnel = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.tunnel == session {
			s.tunnel = nil
		}
		s.mu.Unlock()
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			if !s.isClosing() {
				s.log.Error().Err(err).Msg("tunnel session closed")
			}
			session.Close()
			return
		}
		go s.acceptTunneled(stream)
	}
}

func (s *Server) acceptTunneled(stream net.Conn) {
	_ = stream.SetReadDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(stream)
	raddr, err := r.ReadString('\n')
	if err != nil {
		s.log.Error().Err(err).Msg("unable to read tunneled remote address")
		stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	s.accept(&tunnelConn{r: r, Conn: stream}, strings.TrimSpace(raddr))
}
