// Package events implements the asynchronous publish-subscribe backbone
// used for side effects that must not block packet processing: telemetry,
// side-channel deliveries, and monitoring counters all hang off the bus.
package events

// EventType identifies a class of event.
type EventType string

const (
	EventSessionConnected  EventType = "session.connected"
	EventSessionIdentified EventType = "session.identified"
	EventSessionClosed     EventType = "session.closed"
	EventChatMessage       EventType = "chat.message"
	EventClusterMode       EventType = "cluster.mode"
	EventClusterLost       EventType = "cluster.lost"
	EventShutdown          EventType = "node.shutdown"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	SessionID uint16
	Identity  string
	Remote    string
}

// ChatPayload accompanies chat message events.
type ChatPayload struct {
	SessionID uint16
	Text      string
}

// ClusterModePayload accompanies cluster mode negotiation events.
type ClusterModePayload struct {
	Unified bool
}
