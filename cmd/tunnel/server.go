// tunnel is the public end of the reverse tunnel. Devices connect to -eaddr,
// the gateway dials -taddr, authenticates with -token and receives every
// device connection as a yamux stream whose first line is the device address.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"time"

	yamux "github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

var eaddr = flag.String("eaddr", ":5555", "address for device connection")
var taddr = flag.String("taddr", ":5556", "address for tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file ")

var logger log.Logger

func main() {
	flag.Parse()
	logger = log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "tunnel").Value()
	logger.Info().Str("eaddr", *eaddr).Str("taddr", *taddr).Msg("starting tunnel")

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		logger.Info().Msg("starting non-tls listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		logger.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err == nil {
			ylistener, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to listen for tunnel")
	}

	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("accepting tunnel connection")
			time.Sleep(time.Second)
			continue
		}
		logger.Info().Str("remote", yconn.RemoteAddr().String()).Msg("tunnel connection")
		runServer(yconn)
		logger.Info().Msg("tunnel session ended, waiting for the next one")
	}
}

// runServer serves one authenticated tunnel session until it closes.
func runServer(yconn net.Conn) {
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	token := make([]byte, len(*secret))
	if _, err := io.ReadFull(yconn, token); err != nil || string(token) != *secret {
		logger.Warn().Err(err).Str("remote", yconn.RemoteAddr().String()).Msg("tunnel auth failed")
		_, _ = yconn.Write([]byte{'-'})
		yconn.Close()
		return
	}
	_ = yconn.SetReadDeadline(time.Time{})
	_, _ = yconn.Write([]byte{'+'})

	session, err := yamux.Server(yconn, nil)
	if err != nil {
		logger.Error().Err(err).Msg("unable to create yamux server")
		yconn.Close()
		return
	}
	defer session.Close()

	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		logger.Error().Err(err).Msg("unable to listen for devices")
		return
	}
	go func() {
		<-session.CloseChan()
		logger.Info().Msg("session is closed, closing device listener")
		listener.Close()
	}()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !session.IsClosed() {
				logger.Error().Err(err).Msg("accepting device connection")
			}
			return
		}
		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("new device connection")
		go forward(session, conn)
	}
}

func forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		logger.Error().Err(err).Msg("error trying to open stream")
		return
	}
	defer tstream.Close()
	sid := tstream.StreamID()
	if _, err = fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
		logger.Error().Err(err).Uint32("stream", sid).Msg("writing remote address")
		return
	}
	c := make(chan error, 1)
	go func() {
		_, err := io.Copy(tstream, conn)
		tstream.Close()
		c <- err
	}()
	if _, err = io.Copy(conn, tstream); err != nil {
		logger.Error().Err(err).Uint32("stream", sid).Str("remote", conn.RemoteAddr().String()).Msg("copying to device")
	}
	conn.Close()
	if err = <-c; err != nil {
		logger.Debug().Err(err).Uint32("stream", sid).Msg("copying to stream")
	}
}
