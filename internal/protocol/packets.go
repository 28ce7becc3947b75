// Package protocol implements the binary wire format spoken between game
// clients and relay nodes, and between nodes in a cluster. Inbound frames
// are little-endian length-prefixed sub-packets that may arrive coalesced
// in one transport read; outbound frames are fixed-capacity buffers with
// no length prefix. The asymmetry is part of the client interop contract.
package protocol

// Packet type bytes sent node -> client.
const (
	OutAssign    byte = 1  // Session id + assigned uid after identification
	OutMessage   byte = 2  // Chat message relay
	OutMiscData  byte = 3  // Free-form side data
	OutPos       byte = 4  // Position update (x, y, facing)
	OutMyRoom    byte = 5  // Room change
	OutOutfit    byte = 6  // Outfit change
	OutName      byte = 7  // Display name change
	OutLeave     byte = 8  // Peer disconnected
	OutPlayerObj byte = 9  // Full player object (JSON)
	OutHeartbeat byte = 10 // Heartbeat acknowledgment
)

// Packet type bytes sent client -> node.
const (
	InID        byte = 20 // Identity announcement (JSON player object)
	InPos       byte = 21
	InMyRoom    byte = 22
	InOutfit    byte = 23
	InName      byte = 24
	InMessage   byte = 25
	InEmail     byte = 26 // Bug report side channel
	InUpload    byte = 27 // "Like a shared photo" side channel
	InMiscData  byte = 28
	InHeartbeat byte = 29
)

// Packet type bytes exchanged between cluster nodes.
const (
	ClusterCount      byte = 40 // Player count update
	ClusterPlayerData byte = 41
	ClusterMiscData   byte = 42
	ClusterType       byte = 43 // Node announce / mode negotiation
	ClusterServerData byte = 44 // Full membership view replace
	ClusterQueue      byte = 45
	ClusterLeave      byte = 46 // Relayed leave notice
)

const (
	// HeaderSize is the byte length of the inbound sub-packet header:
	// a 2-byte LE frame length followed by a 1-byte type. The frame
	// length counts the header itself.
	HeaderSize = 3

	// MaxFrameSize caps a single inbound sub-packet.
	MaxFrameSize = 32767

	// SmallFrameSize is the outbound buffer size for header/id/short-field
	// packets. LargeFrameSize is used for JSON-bearing packets. Stream
	// clients delimit outbound messages by these fixed sizes, so unused
	// trailing bytes stay zero.
	SmallFrameSize = 64
	LargeFrameSize = 2048
)

// engineMarker is a control character some client engines embed in string
// payloads as a packet marker. It is stripped on decode along with NUL
// padding before any size or JSON parsing.
const engineMarker = 0x05

// Packet is one decoded inbound sub-packet.
type Packet struct {
	Type    byte
	Payload []byte
}
