package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		// Game clients connect from arbitrary origins.
		return true
	},
}

// WSListener accepts message-socket clients on the websocket port
// (stream port + 1).
type WSListener struct {
	addr       string
	handler    Handler
	httpServer *http.Server
}

// NewWSListener creates a websocket listener bound to host:port on Start.
func NewWSListener(host string, port int, handler Handler) *WSListener {
	return &WSListener{
		addr:    fmt.Sprintf("%s:%d", host, port),
		handler: handler,
	}
}

// Start begins accepting websocket clients. Blocks until ctx is cancelled
// or the server fails.
func (l *WSListener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)

	l.httpServer = &http.Server{
		Addr:         l.addr,
		Handler:      mux,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start websocket listener on %s: %w", l.addr, err)
	}

	log.Info().Str("addr", l.addr).Msg("message listener started")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.httpServer.Shutdown(shutdownCtx)
	}()

	if err := l.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket listener error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request and runs the read loop. Each
// websocket message is one transport read handed to the dispatcher; the
// codec still loops in case a client packs several sub-packets into one
// message.
func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("new message client")

	conn := NewMessageConn(ws)
	l.handler.HandleConnect(conn)
	defer l.handler.HandleDisconnect(conn)

	ws.SetReadLimit(LargeReadLimit)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug().
				Err(err).
				Str("remote", conn.RemoteAddr()).
				Msg("message read ended")
			return
		}
		if len(data) == 0 {
			continue
		}
		l.handler.HandleData(conn, data)
	}
}

// LargeReadLimit caps a single inbound websocket message.
const LargeReadLimit = 1 << 20

// Stop closes the websocket HTTP server.
func (l *WSListener) Stop() error {
	if l.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.httpServer.Shutdown(ctx)
	}
	return nil
}
