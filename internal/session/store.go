package session

import (
	"encoding/json"
	"sync"

	"github.com/relaynode-project/relaynode/internal/protocol"
)

// dedupeMarker is appended to a just-connected client's identity while it
// collides with a live one. Collisions are resolved by renaming the
// newcomer, never by overwriting the existing record.
const dedupeMarker = "f"

// PlayerState is the replicated state record for one identity. The named
// fields are the ones the node relays and replaces wholesale; Extra is the
// opaque remainder of the identity packet's JSON, passed through unchanged.
type PlayerState struct {
	Identity string            `json:"id"`
	Name     string            `json:"name"`
	Room     string            `json:"room"`
	Outfit   string            `json:"outfit"`
	Position protocol.Position `json:"position"`
	Extra    json.RawMessage   `json:"extra,omitempty"`
}

// Store exclusively owns the identity -> PlayerState mapping. Exactly one
// record exists per live identity.
type Store struct {
	mu      sync.RWMutex
	players map[string]*PlayerState
}

// NewStore creates an empty player state store.
func NewStore() *Store {
	return &Store{players: make(map[string]*PlayerState)}
}

// Put inserts a record, rewriting its identity with the dedupe marker
// until it no longer collides with a live one. Returns the identity the
// store settled on.
func (s *Store) Put(state *PlayerState) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := state.Identity
	for {
		if _, taken := s.players[id]; !taken {
			break
		}
		id += dedupeMarker
	}
	state.Identity = id
	s.players[id] = state
	return id
}

// Get returns the record for an identity.
func (s *Store) Get(identity string) (*PlayerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[identity]
	return p, ok
}

// Delete removes a record. Deleting an absent identity is a no-op.
func (s *Store) Delete(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, identity)
}

// SetPosition replaces the stored position for an identity.
func (s *Store) SetPosition(identity string, pos protocol.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[identity]
	if !ok {
		return false
	}
	p.Position = pos
	return true
}

// SetField replaces one string field (room, outfit, name) for an identity.
// Full-value replace, no partial patch.
func (s *Store) SetField(identity string, pktType byte, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[identity]
	if !ok {
		return false
	}
	switch pktType {
	case protocol.InMyRoom:
		p.Room = value
	case protocol.InOutfit:
		p.Outfit = value
	case protocol.InName:
		p.Name = value
	default:
		return false
	}
	return true
}

// All returns a snapshot of the live records.
func (s *Store) All() []*PlayerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PlayerState, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	return out
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}
