package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DecodeFrames splits one transport read into its sub-packets.
// Each sub-packet is [frameLength:int16-LE][type:uint8][payload], where
// frameLength counts the whole sub-packet including its own header.
// Stream reads frequently coalesce several logical packets, so the
// decoder loops until the buffer is exhausted.
//
// A truncated or malformed frame stops the loop; the sub-packets decoded
// before it are still returned alongside the error so the caller can
// process them and drop the remainder.
func DecodeFrames(data []byte) ([]Packet, error) {
	var packets []Packet

	offset := 0
	for offset < len(data) {
		if len(data)-offset < HeaderSize {
			return packets, fmt.Errorf("truncated frame header at offset %d (%d bytes left)", offset, len(data)-offset)
		}

		frameLen := int(binary.LittleEndian.Uint16(data[offset:]))
		if frameLen < HeaderSize || frameLen > MaxFrameSize {
			return packets, fmt.Errorf("invalid frame length %d at offset %d", frameLen, offset)
		}

		end := offset + frameLen
		if end > len(data) {
			return packets, fmt.Errorf("frame length %d overruns buffer at offset %d", frameLen, offset)
		}

		packets = append(packets, Packet{
			Type:    data[offset+2],
			Payload: data[offset+HeaderSize : end],
		})
		offset = end
	}

	return packets, nil
}

// EncodeFrame wraps a payload in the inbound sub-packet framing. Used by
// the cluster relay when originating node-to-node packets, and by tests.
func EncodeFrame(pktType byte, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(HeaderSize+len(payload)))
	frame[2] = pktType
	copy(frame[HeaderSize:], payload)
	return frame
}

// MirrorFrame wraps an already-built outbound frame in the inbound
// sub-packet framing. The parent link splits its reads with DecodeFrames
// like any client connection, so traffic mirrored upward must carry the
// length prefix even though the same bytes go to local peers without one.
// The fixed-size buffer travels whole; receivers strip the NUL padding
// from string payloads and read binary payloads by position.
func MirrorFrame(frame []byte) []byte {
	return EncodeFrame(frame[0], frame[1:])
}

// SanitizeString decodes a string payload, stripping NUL padding and the
// foreign-engine marker byte before the caller does any size or JSON
// parsing.
func SanitizeString(payload []byte) string {
	cleaned := make([]byte, 0, len(payload))
	for _, b := range payload {
		if b == 0 || b == engineMarker {
			continue
		}
		cleaned = append(cleaned, b)
	}
	return string(cleaned)
}

// SanitizeJSON strips the same bytes as SanitizeString but keeps the
// result as raw bytes for JSON unmarshalling.
func SanitizeJSON(payload []byte) []byte {
	cleaned := bytes.ReplaceAll(payload, []byte{0}, nil)
	return bytes.ReplaceAll(cleaned, []byte{engineMarker}, nil)
}

// Position is the decoded payload of a pos packet.
type Position struct {
	X      int16
	Y      int16
	Facing uint8
}

// DecodePosition parses a pos payload: [x:int16-LE][y:int16-LE][facing:uint8].
func DecodePosition(payload []byte) (Position, error) {
	if len(payload) < 5 {
		return Position{}, fmt.Errorf("pos payload too short: %d bytes", len(payload))
	}
	return Position{
		X:      int16(binary.LittleEndian.Uint16(payload[0:2])),
		Y:      int16(binary.LittleEndian.Uint16(payload[2:4])),
		Facing: payload[4],
	}, nil
}
