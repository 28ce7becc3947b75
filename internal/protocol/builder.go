package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame builds one outbound packet into a fixed-capacity zeroed buffer.
// Outbound frames carry no length prefix: one frame is one transport send,
// and clients delimit either by message boundary (message sockets) or by
// the fixed buffer size (stream sockets). Every frame is freshly allocated
// so concurrent sends never share buffer state.
type Frame struct {
	buf []byte
	pos int
}

// NewSmallFrame allocates a SmallFrameSize outbound frame for the given
// packet type. Used for id, leave, pos, heartbeat and short field packets.
func NewSmallFrame(pktType byte) *Frame {
	f := &Frame{buf: make([]byte, SmallFrameSize)}
	f.buf[0] = pktType
	f.pos = 1
	return f
}

// NewLargeFrame allocates a LargeFrameSize outbound frame for JSON-bearing
// packet types.
func NewLargeFrame(pktType byte) *Frame {
	f := &Frame{buf: make([]byte, LargeFrameSize)}
	f.buf[0] = pktType
	f.pos = 1
	return f
}

// PutByte writes a single byte at the cursor.
func (f *Frame) PutByte(v byte) *Frame {
	if f.pos < len(f.buf) {
		f.buf[f.pos] = v
		f.pos++
	}
	return f
}

// PutUint16 writes a uint16 in little-endian order at the cursor.
func (f *Frame) PutUint16(v uint16) *Frame {
	if f.pos+2 <= len(f.buf) {
		binary.LittleEndian.PutUint16(f.buf[f.pos:], v)
		f.pos += 2
	}
	return f
}

// PutInt16 writes an int16 in little-endian order at the cursor.
func (f *Frame) PutInt16(v int16) *Frame {
	return f.PutUint16(uint16(v))
}

// PutString writes raw string bytes at the cursor, truncating at the frame
// boundary. Trailing buffer bytes stay zero.
func (f *Frame) PutString(s string) *Frame {
	return f.PutBytes([]byte(s))
}

// PutBytes writes raw bytes at the cursor, truncating at the frame boundary.
func (f *Frame) PutBytes(data []byte) *Frame {
	n := copy(f.buf[f.pos:], data)
	f.pos += n
	return f
}

// Bytes returns the full fixed-size frame, zero padding included.
func (f *Frame) Bytes() []byte {
	return f.buf
}

// String returns a hex dump of the frame for debugging.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame[type=%d used=%d/%d]: %x", f.buf[0], f.pos, len(f.buf), f.buf[:f.pos])
}

// ---- Pre-built frame constructors ----

// BuildAssign creates the assign packet sent back to a freshly identified
// client: its session id followed by the uid the node settled on after
// duplicate-identity resolution.
func BuildAssign(sessionID uint16, uid string) []byte {
	return NewSmallFrame(OutAssign).PutUint16(sessionID).PutString(uid).Bytes()
}

// BuildLeave creates the leave notice broadcast when a session disconnects.
func BuildLeave(sessionID uint16) []byte {
	return NewSmallFrame(OutLeave).PutUint16(sessionID).Bytes()
}

// BuildHeartbeat creates the heartbeat acknowledgment echoed to a sender.
func BuildHeartbeat(sessionID uint16) []byte {
	return NewSmallFrame(OutHeartbeat).PutUint16(sessionID).Bytes()
}

// BuildPos creates a position update tagged with the mover's session id.
func BuildPos(sessionID uint16, pos Position) []byte {
	return NewSmallFrame(OutPos).
		PutUint16(sessionID).
		PutInt16(pos.X).
		PutInt16(pos.Y).
		PutByte(pos.Facing).
		Bytes()
}

// BuildField creates a short string-field update (room, outfit, name)
// tagged with the sender's session id and the original packet type.
func BuildField(pktType byte, sessionID uint16, value string) []byte {
	return NewSmallFrame(pktType).PutUint16(sessionID).PutString(value).Bytes()
}

// BuildMessage creates a chat relay packet.
func BuildMessage(sessionID uint16, text string) []byte {
	return NewLargeFrame(OutMessage).PutUint16(sessionID).PutString(text).Bytes()
}

// BuildPlayerObj creates a full player object packet (JSON payload).
func BuildPlayerObj(sessionID uint16, obj []byte) []byte {
	return NewLargeFrame(OutPlayerObj).PutUint16(sessionID).PutBytes(obj).Bytes()
}
