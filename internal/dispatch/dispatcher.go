// Package dispatch implements the central packet state machine: it
// consumes decoded sub-packets, mutates the session registry and player
// state store, and fans updates out to peers and (in unified cluster
// mode) to the parent node.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaynode-project/relaynode/internal/events"
	"github.com/relaynode-project/relaynode/internal/protocol"
	"github.com/relaynode-project/relaynode/internal/session"
	"github.com/relaynode-project/relaynode/internal/transport"
)

// Persistence is the shared-photo like counter collaborator.
type Persistence interface {
	IncrementLikeCounter(photoID string) error
}

// Mailer is the bug-report mail collaborator.
type Mailer interface {
	Send(subject, body string) error
}

// Cluster is the dispatcher's view of the cluster relay. A standalone
// node runs without one.
type Cluster interface {
	// Unified reports whether the parent negotiated unified cluster mode.
	Unified() bool
	// ForwardUp relays a frame to the parent connection.
	ForwardUp(frame []byte)
	// HandleNodePacket consumes cluster-level packet types arriving from
	// child node sessions. Reports whether the packet was consumed.
	HandleNodePacket(s *session.Session, pkt protocol.Packet) bool
}

// Dispatcher is the packet state machine. It is stateless across packets
// except through the registry and the player state store, so any number
// of connection goroutines may call into it concurrently.
type Dispatcher struct {
	registry *session.Registry
	store    *session.Store
	bus      *events.Bus
	likes    Persistence
	mail     Mailer
	cluster  Cluster
	logger   zerolog.Logger
}

// NewDispatcher creates the dispatcher. likes and mail may be nil when
// the corresponding side channel is disabled.
func NewDispatcher(registry *session.Registry, store *session.Store, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		bus:      bus,
		logger:   log.With().Str("component", "dispatch").Logger(),
	}
}

// SetSideChannels injects the external collaborators.
func (d *Dispatcher) SetSideChannels(likes Persistence, mail Mailer) {
	d.likes = likes
	d.mail = mail
}

// SetCluster injects the cluster relay. Called once during startup,
// before any listener accepts traffic.
func (d *Dispatcher) SetCluster(c Cluster) {
	d.cluster = c
}

// HandleConnect assigns a session id to a freshly accepted connection.
// The identity arrives later with the client's first ID packet.
func (d *Dispatcher) HandleConnect(conn transport.Conn) {
	s := d.registry.Assign(conn)
	d.bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionConnected,
		Source: "dispatch",
		Payload: events.SessionPayload{
			SessionID: s.ID,
			Remote:    conn.RemoteAddr(),
		},
	})
}

// RegisterUpstream registers the node's own outbound parent connection as
// a session, marked so its traffic is never forwarded back upward.
func (d *Dispatcher) RegisterUpstream(conn transport.Conn) *session.Session {
	s := d.registry.Assign(conn)
	s.IsNode = true
	return s
}

// HandleData processes one transport read. The read may contain several
// coalesced sub-packets; a malformed tail is dropped while the packets
// decoded before it are still dispatched.
func (d *Dispatcher) HandleData(conn transport.Conn, data []byte) {
	s, ok := d.registry.Lookup(conn)
	if !ok {
		d.logger.Debug().Str("remote", conn.RemoteAddr()).Msg("data from unregistered connection, dropping")
		return
	}

	packets, err := protocol.DecodeFrames(data)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Uint16("session_id", s.ID).
			Int("decoded", len(packets)).
			Msg("malformed frame in read, dropping remainder")
	}

	for _, pkt := range packets {
		d.handlePacket(s, pkt)
	}
}

// handlePacket routes one decoded sub-packet.
func (d *Dispatcher) handlePacket(s *session.Session, pkt protocol.Packet) {
	// Cluster-level types belong to the relay when one is running.
	switch pkt.Type {
	case protocol.ClusterCount, protocol.ClusterPlayerData, protocol.ClusterMiscData,
		protocol.ClusterType, protocol.ClusterServerData, protocol.ClusterQueue:
		if d.cluster != nil && d.cluster.HandleNodePacket(s, pkt) {
			return
		}
	}

	switch pkt.Type {
	case protocol.InID:
		d.handleIdentity(s, pkt.Payload)
	case protocol.InMessage:
		d.handleChat(s, pkt.Payload)
	case protocol.InEmail:
		d.handleEmail(s, pkt.Payload)
	case protocol.InUpload:
		d.handleUpload(s, pkt.Payload)
	case protocol.InMiscData:
		d.handleMiscData(s, pkt.Payload)
	case protocol.ClusterLeave:
		d.handleLeave(s, pkt)
	case protocol.InHeartbeat:
		transport.Send(s.Conn, protocol.BuildHeartbeat(s.ID))
	default:
		d.handleFieldUpdate(s, pkt)
	}
}

// handleIdentity processes the ID packet: store the player record under a
// collision-free identity, acknowledge the sender with an assign packet,
// announce the newcomer to every peer, and stream every peer's player
// object back to the newcomer so its world view is in sync without a
// separate list request.
func (d *Dispatcher) handleIdentity(s *session.Session, payload []byte) {
	raw := protocol.SanitizeJSON(payload)

	state := &session.PlayerState{}
	if err := json.Unmarshal(raw, state); err != nil {
		d.logger.Warn().Err(err).Uint16("session_id", s.ID).Msg("unparseable identity payload, dropping")
		return
	}
	if state.Identity == "" {
		d.logger.Warn().Uint16("session_id", s.ID).Msg("identity payload missing id, dropping")
		return
	}
	state.Extra = json.RawMessage(raw)

	uid := d.store.Put(state)
	s.Identity = uid

	transport.Send(s.Conn, protocol.BuildAssign(s.ID, uid))

	if obj, err := json.Marshal(state); err == nil {
		d.broadcastExcept(s.ID, protocol.BuildPlayerObj(s.ID, obj))
	}

	// One playerObj packet per live peer brings the newcomer in sync.
	for _, peer := range d.registry.All() {
		if peer.ID == s.ID || peer.IsNode || peer.Identity == "" {
			continue
		}
		peerState, ok := d.store.Get(peer.Identity)
		if !ok {
			continue
		}
		obj, err := json.Marshal(peerState)
		if err != nil {
			continue
		}
		transport.Send(s.Conn, protocol.BuildPlayerObj(peer.ID, obj))
	}

	d.logger.Info().
		Uint16("session_id", s.ID).
		Str("uid", uid).
		Msg("session identified")

	d.bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionIdentified,
		Source: "dispatch",
		Payload: events.SessionPayload{
			SessionID: s.ID,
			Identity:  uid,
			Remote:    s.Conn.RemoteAddr(),
		},
	})
}

// handleChat relays a chat message to every other session. Never echoed
// back to the sender.
func (d *Dispatcher) handleChat(s *session.Session, payload []byte) {
	text := protocol.SanitizeString(payload)
	d.broadcastExcept(s.ID, protocol.BuildMessage(s.ID, text))

	d.bus.Emit(context.Background(), events.Event{
		Type:    events.EventChatMessage,
		Source:  "dispatch",
		Payload: events.ChatPayload{SessionID: s.ID, Text: text},
	})
}

// handleEmail hands a bug report to the mail collaborator. Fire and
// forget: delivery failures are logged, never surfaced to the session.
func (d *Dispatcher) handleEmail(s *session.Session, payload []byte) {
	if d.mail == nil {
		return
	}
	body := protocol.SanitizeString(payload)
	go func() {
		if err := d.mail.Send("bug report", body); err != nil {
			d.logger.Warn().Err(err).Uint16("session_id", s.ID).Msg("mail side channel failed")
		}
	}()
}

// uploadPayload is the JSON body of an upload packet.
type uploadPayload struct {
	PhotoID string `json:"photoId"`
}

// handleUpload hands a shared-photo like to the persistence collaborator.
func (d *Dispatcher) handleUpload(s *session.Session, payload []byte) {
	if d.likes == nil {
		return
	}

	var up uploadPayload
	if err := json.Unmarshal(protocol.SanitizeJSON(payload), &up); err != nil || up.PhotoID == "" {
		d.logger.Warn().Err(err).Uint16("session_id", s.ID).Msg("unparseable upload payload, dropping")
		return
	}

	go func() {
		if err := d.likes.IncrementLikeCounter(up.PhotoID); err != nil {
			d.logger.Warn().Err(err).Str("photo_id", up.PhotoID).Msg("like counter side channel failed")
		}
	}()
}

// handleMiscData validates the JSON payload and stops. Extension point
// for game-specific side data.
func (d *Dispatcher) handleMiscData(s *session.Session, payload []byte) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(protocol.SanitizeJSON(payload), &parsed); err != nil {
		d.logger.Warn().Err(err).Uint16("session_id", s.ID).Msg("unparseable misc data, dropping")
	}
}

// handleLeave closes the sender's transport. In unified cluster mode the
// raw packet bytes are forwarded upward unchanged before the close; the
// disconnect teardown then runs through the normal close path.
//
// A leave arriving on a node session refers to a remote player somewhere
// else in the cluster, never to the link it rode in on: the notice is
// passed to local clients and the node connection stays open.
func (d *Dispatcher) handleLeave(s *session.Session, pkt protocol.Packet) {
	if s.IsNode {
		d.broadcastExcept(s.ID, protocol.BuildField(protocol.OutLeave, s.ID, protocol.SanitizeString(pkt.Payload)))
		return
	}
	if d.forwardingUp(s) {
		d.cluster.ForwardUp(protocol.EncodeFrame(pkt.Type, pkt.Payload))
	}
	s.Conn.Close()
	d.HandleDisconnect(s.Conn)
}

// handleFieldUpdate is the generic update path for position, room,
// outfit, name, and unrecognized types: replace the stored field, then
// re-serialize tagged with the sender's session id and fan out.
func (d *Dispatcher) handleFieldUpdate(s *session.Session, pkt protocol.Packet) {
	var out []byte

	switch pkt.Type {
	case protocol.InPos:
		pos, err := protocol.DecodePosition(pkt.Payload)
		if err != nil {
			d.logger.Warn().Err(err).Uint16("session_id", s.ID).Msg("malformed pos payload, dropping")
			return
		}
		d.store.SetPosition(s.Identity, pos)
		out = protocol.BuildPos(s.ID, pos)

	case protocol.InMyRoom, protocol.InOutfit, protocol.InName:
		value := protocol.SanitizeString(pkt.Payload)
		d.store.SetField(s.Identity, pkt.Type, value)
		// Inbound field types map onto their outbound counterparts at a
		// fixed offset (21..24 -> 4..7).
		out = protocol.BuildField(pkt.Type-protocol.InPos+protocol.OutPos, s.ID, value)

	default:
		// Unrecognized types relay untouched under their original tag.
		out = protocol.BuildField(pkt.Type, s.ID, protocol.SanitizeString(pkt.Payload))
	}

	d.broadcastExcept(s.ID, out)
	if d.forwardingUp(s) {
		// The parent decodes the link with the length-prefixed framing.
		d.cluster.ForwardUp(protocol.MirrorFrame(out))
	}
}

// HandleDisconnect is the single idempotent teardown routine: error
// closes and normal closes both land here, and only the call that wins
// the registry removal broadcasts the leave notice.
func (d *Dispatcher) HandleDisconnect(conn transport.Conn) {
	s, ok := d.registry.Lookup(conn)
	if !ok {
		return
	}
	if !d.registry.Remove(s.ID) {
		return
	}
	conn.Close()

	leave := protocol.BuildLeave(s.ID)
	d.broadcastExcept(s.ID, leave)
	if d.forwardingUp(s) {
		d.cluster.ForwardUp(protocol.MirrorFrame(leave))
	}

	if s.Identity != "" {
		d.store.Delete(s.Identity)
	}

	d.logger.Info().
		Uint16("session_id", s.ID).
		Str("identity", s.Identity).
		Msg("session closed")

	d.bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionClosed,
		Source: "dispatch",
		Payload: events.SessionPayload{
			SessionID: s.ID,
			Identity:  s.Identity,
			Remote:    conn.RemoteAddr(),
		},
	})
}

// broadcastExcept fans a frame out to every live session except the
// sender. Send failures to one peer never abort delivery to the rest.
func (d *Dispatcher) broadcastExcept(senderID uint16, frame []byte) {
	for _, peer := range d.registry.All() {
		if peer.ID == senderID || peer.IsNode {
			continue
		}
		transport.Send(peer.Conn, frame)
	}
}

// forwardingUp reports whether a packet from this session should mirror
// to the parent: unified mode must be on, and traffic that itself came
// down from the parent never bounces back.
func (d *Dispatcher) forwardingUp(s *session.Session) bool {
	return d.cluster != nil && d.cluster.Unified() && !s.IsNode
}
