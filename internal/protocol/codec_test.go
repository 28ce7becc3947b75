package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFramesSinglePacket(t *testing.T) {
	payload := []byte("hello")
	packets, err := DecodeFrames(EncodeFrame(InMessage, payload))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.Equal(t, InMessage, packets[0].Type)
	require.Equal(t, payload, packets[0].Payload)
}

func TestDecodeFramesCoalescedRead(t *testing.T) {
	// A single stream read can carry several logical packets back to back.
	payloads := [][]byte{
		[]byte("first"),
		[]byte(""),
		[]byte(`{"id":"p1","name":"Player One"}`),
		{0x64, 0x00, 0xCE, 0xFF, 0x02},
	}
	types := []byte{InMessage, InHeartbeat, InID, InPos}

	var buf bytes.Buffer
	for i, p := range payloads {
		buf.Write(EncodeFrame(types[i], p))
	}

	packets, err := DecodeFrames(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, packets, len(payloads))
	for i, pkt := range packets {
		require.Equal(t, types[i], pkt.Type)
		require.Equal(t, payloads[i], pkt.Payload)
	}
}

func TestDecodeFramesTruncatedTail(t *testing.T) {
	// A good frame followed by a truncated one: the good frame must still
	// come back so the dispatcher can process it.
	good := EncodeFrame(InMessage, []byte("ok"))
	data := append(good, 0xFF, 0x7F, InMessage) // claims 32767 bytes

	packets, err := DecodeFrames(data)
	require.Error(t, err)
	require.Len(t, packets, 1)
	require.Equal(t, []byte("ok"), packets[0].Payload)
}

func TestDecodeFramesRejectsBadLength(t *testing.T) {
	// Frame length below the header size can never be valid.
	packets, err := DecodeFrames([]byte{0x02, 0x00, InMessage, 0x00})
	require.Error(t, err)
	require.Empty(t, packets)
}

func TestMirrorFrameRoundTrip(t *testing.T) {
	// An outbound frame mirrored to the parent must survive the parent's
	// own framed decode: one packet, outbound type, sessionId then data.
	mirrored := MirrorFrame(BuildPos(7, Position{X: 100, Y: -50, Facing: 2}))

	packets, err := DecodeFrames(mirrored)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.Equal(t, OutPos, packets[0].Type)
	require.Equal(t, uint16(7), uint16(packets[0].Payload[0])|uint16(packets[0].Payload[1])<<8)

	pos, err := DecodePosition(packets[0].Payload[2:])
	require.NoError(t, err)
	require.Equal(t, Position{X: 100, Y: -50, Facing: 2}, pos)
}

func TestMirrorFrameCoalescesWithClusterTraffic(t *testing.T) {
	// Mirrored frames share the parent link with cluster packets, so a
	// read carrying both must still split cleanly.
	read := append(MirrorFrame(BuildLeave(3)), EncodeFrame(ClusterCount, []byte(`{"count":2}`))...)

	packets, err := DecodeFrames(read)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	require.Equal(t, OutLeave, packets[0].Type)
	require.Equal(t, ClusterCount, packets[1].Type)
}

func TestSanitizeString(t *testing.T) {
	raw := []byte{'h', 0x00, 'i', 0x05, '!', 0x00, 0x00}
	require.Equal(t, "hi!", SanitizeString(raw))
}

func TestSanitizeJSONStripsPadding(t *testing.T) {
	raw := append([]byte(`{"a":1}`), 0x00, 0x00, 0x05)
	require.Equal(t, []byte(`{"a":1}`), SanitizeJSON(raw))
}

func TestDecodePosition(t *testing.T) {
	pos, err := DecodePosition([]byte{0x64, 0x00, 0xCE, 0xFF, 0x02})
	require.NoError(t, err)
	require.Equal(t, Position{X: 100, Y: -50, Facing: 2}, pos)
}

func TestDecodePositionShortPayload(t *testing.T) {
	_, err := DecodePosition([]byte{0x64, 0x00})
	require.Error(t, err)
}
