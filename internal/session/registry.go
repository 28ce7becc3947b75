// Package session owns the two mutable tables at the heart of a relay
// node: the registry of live connections keyed by session id, and the
// player state store keyed by identity. Both are mutated by many
// concurrent connection handlers.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaynode-project/relaynode/internal/transport"
)

// idSpan is the per-node session id range. The rolling counter wraps at
// this value, so ids collide once a single node exceeds idSpan concurrent
// sessions. This is a documented capacity limit of the id format, kept
// for wire compatibility with existing clients.
const idSpan = 256

// Session is one connected peer: its transport, its node-unique numeric
// id, and (after the identity packet) the player identity used to look up
// state in the Store. IsNode marks connections that announced themselves
// as child cluster nodes rather than players.
type Session struct {
	ID       uint16
	Conn     transport.Conn
	Identity string
	IsNode   bool

	ConnectedAt time.Time
}

// Registry allocates session ids and tracks live sessions. It exclusively
// owns the sessionId -> Session mapping.
type Registry struct {
	mu        sync.RWMutex
	nodeIndex uint16
	counter   uint16
	byID      map[uint16]*Session
	byConn    map[transport.Conn]*Session
}

// NewRegistry creates a registry for the node at the given cluster index.
// The index is folded into every session id so ids stay unique across
// nodes as long as no node exceeds the idSpan capacity limit.
func NewRegistry(nodeIndex uint16) *Registry {
	return &Registry{
		nodeIndex: nodeIndex,
		byID:      make(map[uint16]*Session),
		byConn:    make(map[transport.Conn]*Session),
	}
}

// Assign registers a new connection and returns its session. The id is
// counter + nodeIndex*256 with the counter advancing mod 256.
func (r *Registry) Assign(conn transport.Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.counter + r.nodeIndex*idSpan
	r.counter = (r.counter + 1) % idSpan

	if _, taken := r.byID[id]; taken {
		log.Warn().
			Uint16("session_id", id).
			Int("live", len(r.byID)).
			Msg("session id counter wrapped onto a live session; node is over its 256-session capacity")
	}

	s := &Session{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	r.byID[id] = s
	r.byConn[conn] = s

	log.Debug().
		Uint16("session_id", id).
		Str("remote", conn.RemoteAddr()).
		Str("kind", conn.Kind().String()).
		Msg("session assigned")
	return s
}

// Remove deletes a session from the registry. Removing an absent id is a
// no-op; reports whether a session was actually removed so disconnect
// teardown runs exactly once.
func (r *Registry) Remove(id uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byConn, s.Conn)

	log.Debug().Uint16("session_id", id).Msg("session removed")
	return true
}

// Get returns the session with the given id.
func (r *Registry) Get(id uint16) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Lookup returns the session owning a connection.
func (r *Registry) Lookup(conn transport.Conn) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// All returns a snapshot of live sessions for fan-out. Sessions added or
// removed mid-broadcast may or may not be reflected; each broadcast works
// from the state at the instant of the snapshot.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
