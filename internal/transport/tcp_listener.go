package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// Handler receives connection lifecycle callbacks from the listeners.
// Implemented by the packet dispatcher.
type Handler interface {
	// HandleConnect registers a new connection and assigns it a session.
	HandleConnect(conn Conn)
	// HandleData processes one transport read, which may contain several
	// coalesced sub-packets.
	HandleData(conn Conn, data []byte)
	// HandleDisconnect tears the session down. Safe to call more than
	// once for the same connection.
	HandleDisconnect(conn Conn)
}

const readBufferSize = 8192

// TCPListener accepts raw stream-socket clients on the configured port.
type TCPListener struct {
	addr     string
	handler  Handler
	listener net.Listener
}

// NewTCPListener creates a listener bound to host:port on Start.
func NewTCPListener(host string, port int, handler Handler) *TCPListener {
	return &TCPListener{
		addr:    fmt.Sprintf("%s:%d", host, port),
		handler: handler,
	}
}

// Start begins accepting stream clients. Blocks until ctx is cancelled or
// the listener fails.
func (l *TCPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	var err error
	l.listener, err = lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.addr, err)
	}

	log.Info().Str("addr", l.addr).Msg("stream listener started")

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("stream listener stopping")
				return nil
			default:
				log.Error().Err(err).Msg("failed to accept stream connection")
				continue
			}
		}

		log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new stream client")

		go l.handleConnection(conn)
	}
}

// handleConnection runs the per-connection read loop. A single Read may
// return several coalesced sub-packets; splitting them is the codec's job,
// so the raw chunk is handed to the dispatcher as-is.
func (l *TCPListener) handleConnection(rawConn net.Conn) {
	conn := NewStreamConn(rawConn)
	l.handler.HandleConnect(conn)
	defer l.handler.HandleDisconnect(conn)

	buf := make([]byte, readBufferSize)
	for {
		n, err := rawConn.Read(buf)
		if err != nil {
			log.Debug().
				Err(err).
				Str("remote", conn.RemoteAddr()).
				Msg("stream read ended")
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.handler.HandleData(conn, data)
	}
}

// Stop closes the listener socket.
func (l *TCPListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
