// Package cluster implements the relay protocol that chains nodes into a
// tree: a child opens one outbound connection to its parent, announces
// itself, and thereafter mirrors traffic upward according to the
// negotiated mode, while a parent tracks child nodes that announce
// themselves on ordinary client connections.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaynode-project/relaynode/internal/config"
	"github.com/relaynode-project/relaynode/internal/events"
	"github.com/relaynode-project/relaynode/internal/protocol"
	"github.com/relaynode-project/relaynode/internal/session"
	"github.com/relaynode-project/relaynode/internal/transport"
)

const connectTimeout = 30 * time.Second

// State is the relay's position in its lifecycle. The mode, once
// negotiated, is fixed for the connection's lifetime.
type State int

const (
	Standalone State = iota
	Connecting
	ConnectedUnknownMode
	ConnectedIndependent
	ConnectedUnified
	// Lost is terminal: the parent connection dropped. Cluster features
	// stop, the node's own client-facing service continues, and no
	// reconnection is attempted.
	Lost
)

func (s State) String() string {
	switch s {
	case Standalone:
		return "standalone"
	case Connecting:
		return "connecting"
	case ConnectedUnknownMode:
		return "connected (mode pending)"
	case ConnectedIndependent:
		return "connected (independent)"
	case ConnectedUnified:
		return "connected (unified)"
	default:
		return "lost"
	}
}

// NodeInfo is the last-known metadata for one peer node.
type NodeInfo struct {
	PlayerCount int    `json:"players"`
	Address     string `json:"address"`
}

// PacketSink is the relay's hook into the packet dispatcher: the parent
// can relay a child's original client packets down this connection, and
// they must compose transparently through the same dispatch path.
type PacketSink interface {
	RegisterUpstream(conn transport.Conn) *session.Session
	HandleData(conn transport.Conn, data []byte)
	HandleDisconnect(conn transport.Conn)
}

// announcePayload is the JSON body of a node announce (type negotiation
// packet sent child -> parent on connect).
type announcePayload struct {
	Role string `json:"role"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// modePayload is the JSON body of the parent's negotiation reply.
type modePayload struct {
	Mode string `json:"mode"`
}

// countPayload is the JSON body of a player count update.
type countPayload struct {
	Count int `json:"count"`
}

// serverDataPayload is the JSON body of a membership view broadcast.
type serverDataPayload struct {
	Nodes map[string]NodeInfo `json:"nodes"`
}

// Relay owns both cluster roles of a node: the optional outbound parent
// connection (child role) and the bookkeeping for announced child nodes
// (parent role).
type Relay struct {
	mu sync.Mutex

	node  config.NodeData
	sink  PacketSink
	store *session.Store
	bus   *events.Bus

	state      State
	parentConn transport.Conn
	parentSess *session.Session

	// Child role: membership view replaced wholesale on serverData.
	view map[string]NodeInfo

	// Parent role: announced child nodes keyed by their session id.
	children map[uint16]*childNode

	logger zerolog.Logger
}

type childNode struct {
	sess *session.Session
	info NodeInfo
}

// NewRelay creates a relay in the Standalone state.
func NewRelay(node config.NodeData, sink PacketSink, store *session.Store, bus *events.Bus) *Relay {
	return &Relay{
		node:     node,
		sink:     sink,
		store:    store,
		bus:      bus,
		state:    Standalone,
		view:     make(map[string]NodeInfo),
		children: make(map[uint16]*childNode),
		logger:   log.With().Str("component", "cluster").Logger(),
	}
}

// Connect dials the configured parent, announces this node, and runs the
// read loop until the connection drops or ctx is cancelled. Parent loss
// is fatal to cluster features only, never to the node's own clients.
func (r *Relay) Connect(ctx context.Context) error {
	if !r.node.HasParent() {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", r.node.ParentAddress, r.node.ParentPort)

	r.mu.Lock()
	r.state = Connecting
	r.mu.Unlock()

	r.logger.Info().Str("addr", addr).Msg("connecting to cluster parent")

	dialer := net.Dialer{Timeout: connectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.mu.Lock()
		r.state = Lost
		r.mu.Unlock()
		return fmt.Errorf("failed to connect to cluster parent at %s: %w", addr, err)
	}

	conn := transport.NewStreamConn(rawConn)
	sess := r.sink.RegisterUpstream(conn)

	r.mu.Lock()
	r.parentConn = conn
	r.parentSess = sess
	r.state = ConnectedUnknownMode
	r.mu.Unlock()

	if err := r.announce(conn); err != nil {
		conn.Close()
		r.mu.Lock()
		r.state = Lost
		r.mu.Unlock()
		return fmt.Errorf("cluster announce failed: %w", err)
	}

	r.logger.Info().Str("addr", addr).Msg("connected to cluster parent, awaiting mode")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r.readLoop(rawConn, conn)
	return nil
}

// announce sends the node announce packet carrying this node's listening
// port.
func (r *Relay) announce(conn transport.Conn) error {
	payload, err := json.Marshal(announcePayload{
		Role: "node",
		Port: r.node.StreamPort,
		Name: r.node.Name,
	})
	if err != nil {
		return err
	}
	return conn.Send(protocol.EncodeFrame(protocol.ClusterType, payload))
}

// readLoop consumes parent -> child traffic. Cluster-level types are
// handled here; anything else is a relayed client packet fed back through
// the dispatcher, so nested clusters compose transparently. The loop
// reuses the same sub-packet framing as the client path, so coalesced
// reads split correctly.
func (r *Relay) readLoop(rawConn net.Conn, conn transport.Conn) {
	buf := make([]byte, 8192)
	for {
		n, err := rawConn.Read(buf)
		if err != nil {
			r.handleParentLoss(conn, err)
			return
		}

		packets, derr := protocol.DecodeFrames(buf[:n])
		if derr != nil {
			r.logger.Warn().Err(derr).Msg("malformed frame from parent, dropping remainder")
		}

		for _, pkt := range packets {
			r.handleParentPacket(conn, pkt)
		}
	}
}

// handleParentPacket routes one packet received from the parent.
func (r *Relay) handleParentPacket(conn transport.Conn, pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.ClusterType:
		var mode modePayload
		if err := json.Unmarshal(protocol.SanitizeJSON(pkt.Payload), &mode); err != nil {
			r.logger.Warn().Err(err).Msg("unparseable mode negotiation from parent")
			return
		}
		r.applyMode(mode.Mode)

	case protocol.ClusterServerData:
		var data serverDataPayload
		if err := json.Unmarshal(protocol.SanitizeJSON(pkt.Payload), &data); err != nil {
			r.logger.Warn().Err(err).Msg("unparseable server data from parent")
			return
		}
		r.mu.Lock()
		r.view = data.Nodes // full replace, no merge
		r.mu.Unlock()
		r.logger.Debug().Int("nodes", len(data.Nodes)).Msg("cluster membership view replaced")

	case protocol.ClusterMiscData:
		var parsed map[string]interface{}
		if err := json.Unmarshal(protocol.SanitizeJSON(pkt.Payload), &parsed); err != nil {
			r.logger.Warn().Err(err).Msg("unparseable cluster misc data")
		}

	default:
		// A relayed client packet from elsewhere in the cluster: run it
		// through this node's own dispatcher.
		r.sink.HandleData(conn, protocol.EncodeFrame(pkt.Type, pkt.Payload))
	}
}

// applyMode fixes the relay mode after the first negotiation packet. No
// further transitions happen for the connection's lifetime.
func (r *Relay) applyMode(mode string) {
	r.mu.Lock()
	if r.state != ConnectedUnknownMode {
		r.mu.Unlock()
		r.logger.Debug().Str("mode", mode).Msg("ignoring mode negotiation outside handshake")
		return
	}
	unified := mode == "unified"
	if unified {
		r.state = ConnectedUnified
	} else {
		r.state = ConnectedIndependent
	}
	r.mu.Unlock()

	r.logger.Info().Str("mode", mode).Bool("unified", unified).Msg("cluster mode negotiated")

	r.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClusterMode,
		Source:  "cluster",
		Payload: events.ClusterModePayload{Unified: unified},
	})
}

// handleParentLoss tears down cluster features while leaving the node's
// client-facing service untouched.
func (r *Relay) handleParentLoss(conn transport.Conn, err error) {
	r.mu.Lock()
	if r.state == Lost {
		r.mu.Unlock()
		return
	}
	r.state = Lost
	r.parentConn = nil
	r.parentSess = nil
	r.mu.Unlock()

	r.logger.Warn().Err(err).Msg("cluster parent connection lost; cluster features disabled, client service unaffected")
	r.sink.HandleDisconnect(conn)

	r.bus.Emit(context.Background(), events.Event{
		Type:   events.EventClusterLost,
		Source: "cluster",
	})
}

// Unified reports whether the parent negotiated unified cluster mode.
func (r *Relay) Unified() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == ConnectedUnified
}

// State returns the relay's current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ForwardUp relays one frame to the parent connection. Send failures are
// logged and swallowed like any other fan-out target.
func (r *Relay) ForwardUp(frame []byte) {
	r.mu.Lock()
	conn := r.parentConn
	r.mu.Unlock()

	if conn == nil {
		return
	}
	transport.Send(conn, frame)
}

// SendCount pushes this node's live player count to the parent. Wired to
// session lifecycle events so the parent's view stays fresh.
func (r *Relay) SendCount() {
	r.mu.Lock()
	conn := r.parentConn
	r.mu.Unlock()

	if conn == nil {
		return
	}

	payload, err := json.Marshal(countPayload{Count: r.store.Count()})
	if err != nil {
		return
	}
	transport.Send(conn, protocol.EncodeFrame(protocol.ClusterCount, payload))
}

// HandleNodePacket consumes cluster-level packets arriving on ordinary
// client sessions; this is the parent role. Reports whether the packet
// was consumed.
func (r *Relay) HandleNodePacket(s *session.Session, pkt protocol.Packet) bool {
	switch pkt.Type {
	case protocol.ClusterType:
		// The parent's own negotiation replies arrive on the upstream
		// session and are handled in the read loop, not here.
		if r.parentSessionIs(s) {
			return false
		}
		var ann announcePayload
		if err := json.Unmarshal(protocol.SanitizeJSON(pkt.Payload), &ann); err != nil || ann.Role != "node" {
			r.logger.Warn().Uint16("session_id", s.ID).Msg("unparseable node announce, dropping")
			return true
		}
		r.registerChild(s, ann)
		return true

	case protocol.ClusterCount:
		var count countPayload
		if err := json.Unmarshal(protocol.SanitizeJSON(pkt.Payload), &count); err != nil {
			r.logger.Warn().Uint16("session_id", s.ID).Msg("unparseable count update, dropping")
			return true
		}
		r.updateChildCount(s, count.Count)
		return true

	case protocol.ClusterPlayerData, protocol.ClusterQueue, protocol.ClusterMiscData:
		// Parsed for validation only; extension points.
		var parsed interface{}
		if err := json.Unmarshal(protocol.SanitizeJSON(pkt.Payload), &parsed); err != nil {
			r.logger.Warn().Uint16("session_id", s.ID).Uint8("type", pkt.Type).Msg("unparseable cluster payload")
		}
		return true

	case protocol.ClusterServerData:
		// Membership views only flow parent -> child.
		return !r.parentSessionIs(s)
	}

	return false
}

// registerChild records an announced child node and replies with this
// node's cluster mode, completing the child's negotiation.
func (r *Relay) registerChild(s *session.Session, ann announcePayload) {
	s.IsNode = true

	host, _, err := net.SplitHostPort(s.Conn.RemoteAddr())
	if err != nil {
		host = s.Conn.RemoteAddr()
	}

	r.mu.Lock()
	r.children[s.ID] = &childNode{
		sess: s,
		info: NodeInfo{Address: fmt.Sprintf("%s:%d", host, ann.Port)},
	}
	r.mu.Unlock()

	r.logger.Info().
		Uint16("session_id", s.ID).
		Str("node", ann.Name).
		Str("addr", host).
		Msg("child node announced")

	mode := r.node.ClusterMode
	if mode == "" {
		mode = "independent"
	}
	payload, _ := json.Marshal(modePayload{Mode: mode})
	transport.Send(s.Conn, protocol.EncodeFrame(protocol.ClusterType, payload))

	r.broadcastServerData()
}

// updateChildCount refreshes a child's player count and pushes the new
// view to every child.
func (r *Relay) updateChildCount(s *session.Session, count int) {
	r.mu.Lock()
	child, ok := r.children[s.ID]
	if ok {
		child.info.PlayerCount = count
	}
	r.mu.Unlock()

	if ok {
		r.broadcastServerData()
	}
}

// broadcastServerData sends the full membership view to every child node.
// Children replace their cached view wholesale.
func (r *Relay) broadcastServerData() {
	r.mu.Lock()
	nodes := make(map[string]NodeInfo, len(r.children))
	conns := make([]transport.Conn, 0, len(r.children))
	for id, child := range r.children {
		nodes[fmt.Sprintf("%d", id)] = child.info
		conns = append(conns, child.sess.Conn)
	}
	r.mu.Unlock()

	payload, err := json.Marshal(serverDataPayload{Nodes: nodes})
	if err != nil {
		return
	}
	frame := protocol.EncodeFrame(protocol.ClusterServerData, payload)
	for _, conn := range conns {
		transport.Send(conn, frame)
	}
}

// DropChild forgets a disconnected child node.
func (r *Relay) DropChild(sessionID uint16) {
	r.mu.Lock()
	_, ok := r.children[sessionID]
	delete(r.children, sessionID)
	r.mu.Unlock()

	if ok {
		r.broadcastServerData()
	}
}

// View returns a copy of the node's cached cluster membership view.
func (r *Relay) View() map[string]NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]NodeInfo, len(r.view))
	for k, v := range r.view {
		out[k] = v
	}
	return out
}

// Children returns a copy of the announced child node metadata.
func (r *Relay) Children() map[uint16]NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint16]NodeInfo, len(r.children))
	for id, child := range r.children {
		out[id] = child.info
	}
	return out
}

// parentSessionIs reports whether s is the node's own upstream session.
func (r *Relay) parentSessionIs(s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parentSess != nil && r.parentSess.ID == s.ID
}
