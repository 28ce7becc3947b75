package dispatch

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaynode-project/relaynode/internal/events"
	"github.com/relaynode-project/relaynode/internal/protocol"
	"github.com/relaynode-project/relaynode/internal/session"
	"github.com/relaynode-project/relaynode/internal/transport"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	mu     sync.Mutex
	name   string
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Kind() transport.Kind { return transport.Message }
func (c *fakeConn) RemoteAddr() string   { return c.name + ":0" }

// framesOfType returns the recorded frames with the given leading type byte.
func (c *fakeConn) framesOfType(pktType byte) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.sent {
		if len(f) > 0 && f[0] == pktType {
			out = append(out, f)
		}
	}
	return out
}

// fakeCluster is a Cluster stub recording upward forwards.
type fakeCluster struct {
	mu       sync.Mutex
	unified  bool
	forwards [][]byte
}

func (c *fakeCluster) Unified() bool { return c.unified }

func (c *fakeCluster) ForwardUp(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwards = append(c.forwards, frame)
}

func (c *fakeCluster) HandleNodePacket(s *session.Session, pkt protocol.Packet) bool {
	return false
}

func (c *fakeCluster) forwardCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.forwards)
}

func (c *fakeCluster) forwardedFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.forwards...)
}

func newTestDispatcher() (*Dispatcher, *session.Registry, *session.Store) {
	registry := session.NewRegistry(0)
	store := session.NewStore()
	return NewDispatcher(registry, store, events.NewBus()), registry, store
}

// connect registers a connection and identifies it.
func connect(t *testing.T, d *Dispatcher, registry *session.Registry, identity string) (*fakeConn, *session.Session) {
	t.Helper()
	conn := &fakeConn{name: identity}
	d.HandleConnect(conn)
	s, ok := registry.Lookup(conn)
	require.True(t, ok)

	payload := []byte(fmt.Sprintf(`{"id":%q,"name":%q}`, identity, identity))
	d.HandleData(conn, protocol.EncodeFrame(protocol.InID, payload))
	return conn, s
}

func sessionIDOf(frame []byte) uint16 {
	return binary.LittleEndian.Uint16(frame[1:3])
}

func TestIdentityFlowSyncsNewcomerAndPeers(t *testing.T) {
	d, registry, store := newTestDispatcher()

	conns := make([]*fakeConn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, _ := connect(t, d, registry, fmt.Sprintf("p%d", i))
		conns = append(conns, conn)
	}

	require.Equal(t, 3, store.Count())

	for i, conn := range conns {
		require.Len(t, conn.framesOfType(protocol.OutAssign), 1, "each session gets exactly one assign")

		// Each newcomer received one playerObj per already-present peer,
		// and each earlier session one announcing each later arrival:
		// everyone ends with N-1 playerObj packets describing peers.
		require.Len(t, conn.framesOfType(protocol.OutPlayerObj), 2, "session %d", i)
	}
}

func TestDuplicateIdentityIsDeduplicatedNotOverwritten(t *testing.T) {
	d, registry, store := newTestDispatcher()

	connA, _ := connect(t, d, registry, "p1")
	connB, _ := connect(t, d, registry, "p1")

	_, ok := store.Get("p1")
	require.True(t, ok)
	_, ok = store.Get("p1f")
	require.True(t, ok)
	require.Equal(t, 2, store.Count())

	// The assign packet carries the rewritten uid.
	assignB := connB.framesOfType(protocol.OutAssign)[0]
	require.Equal(t, "p1f", string(assignB[3:6]))
	assignA := connA.framesOfType(protocol.OutAssign)[0]
	require.Equal(t, "p1", string(assignA[3:5]))
	require.Equal(t, byte(0), assignA[5], "uid is not followed by garbage")
}

func TestChatBroadcastExcludesSender(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	sender, senderSess := connect(t, d, registry, "p1")
	peerA, _ := connect(t, d, registry, "p2")
	peerB, _ := connect(t, d, registry, "p3")

	d.HandleData(sender, protocol.EncodeFrame(protocol.InMessage, []byte("hi all")))

	require.Empty(t, sender.framesOfType(protocol.OutMessage), "chat must not echo to the sender")
	for _, peer := range []*fakeConn{peerA, peerB} {
		msgs := peer.framesOfType(protocol.OutMessage)
		require.Len(t, msgs, 1)
		require.Equal(t, senderSess.ID, sessionIDOf(msgs[0]))
		require.Equal(t, "hi all", string(msgs[0][3:9]))
	}
}

func TestPositionUpdateStoresAndBroadcasts(t *testing.T) {
	d, registry, store := newTestDispatcher()

	sender, senderSess := connect(t, d, registry, "p1")
	peer, _ := connect(t, d, registry, "p2")

	// (x=100, y=-50, facing=2)
	d.HandleData(sender, protocol.EncodeFrame(protocol.InPos, []byte{0x64, 0x00, 0xCE, 0xFF, 0x02}))

	state, ok := store.Get("p1")
	require.True(t, ok)
	require.Equal(t, protocol.Position{X: 100, Y: -50, Facing: 2}, state.Position)

	frames := peer.framesOfType(protocol.OutPos)
	require.Len(t, frames, 1)
	frame := frames[0]
	require.Equal(t, senderSess.ID, sessionIDOf(frame))
	require.Equal(t, int16(100), int16(binary.LittleEndian.Uint16(frame[3:5])))
	require.Equal(t, int16(-50), int16(binary.LittleEndian.Uint16(frame[5:7])))
	require.Equal(t, byte(2), frame[7])
}

func TestRoomUpdateMapsToOutboundType(t *testing.T) {
	d, registry, store := newTestDispatcher()

	sender, _ := connect(t, d, registry, "p1")
	peer, _ := connect(t, d, registry, "p2")

	d.HandleData(sender, protocol.EncodeFrame(protocol.InMyRoom, []byte("forest")))

	state, _ := store.Get("p1")
	require.Equal(t, "forest", state.Room)
	require.Len(t, peer.framesOfType(protocol.OutMyRoom), 1)
}

func TestCoalescedReadDispatchesEveryPacket(t *testing.T) {
	d, registry, store := newTestDispatcher()

	sender, _ := connect(t, d, registry, "p1")
	peer, _ := connect(t, d, registry, "p2")

	// One read carrying a room change, a name change, and a chat line.
	read := append(protocol.EncodeFrame(protocol.InMyRoom, []byte("plaza")),
		protocol.EncodeFrame(protocol.InName, []byte("Merlin"))...)
	read = append(read, protocol.EncodeFrame(protocol.InMessage, []byte("hello"))...)

	d.HandleData(sender, read)

	state, _ := store.Get("p1")
	require.Equal(t, "plaza", state.Room)
	require.Equal(t, "Merlin", state.Name)
	require.Len(t, peer.framesOfType(protocol.OutMyRoom), 1)
	require.Len(t, peer.framesOfType(protocol.OutName), 1)
	require.Len(t, peer.framesOfType(protocol.OutMessage), 1)
}

func TestHeartbeatEchoesToSenderOnly(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	sender, _ := connect(t, d, registry, "p1")
	peer, _ := connect(t, d, registry, "p2")

	d.HandleData(sender, protocol.EncodeFrame(protocol.InHeartbeat, nil))

	require.Len(t, sender.framesOfType(protocol.OutHeartbeat), 1)
	require.Empty(t, peer.framesOfType(protocol.OutHeartbeat))
}

func TestDisconnectTeardownIsIdempotent(t *testing.T) {
	d, registry, store := newTestDispatcher()

	leaver, _ := connect(t, d, registry, "p1")
	peer, _ := connect(t, d, registry, "p2")

	d.HandleDisconnect(leaver)
	d.HandleDisconnect(leaver)

	require.Len(t, peer.framesOfType(protocol.OutLeave), 1, "leave must broadcast exactly once")
	require.Equal(t, 1, registry.Count())
	require.Equal(t, 1, store.Count())
	_, ok := store.Get("p1")
	require.False(t, ok)
	require.True(t, leaver.closed)
}

func TestUnifiedClusterForwardsLeaveAndUpdatesOnce(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	cluster := &fakeCluster{unified: true}
	d.SetCluster(cluster)

	sender, _ := connect(t, d, registry, "p1")
	connect(t, d, registry, "p2")

	d.HandleData(sender, protocol.EncodeFrame(protocol.InPos, []byte{0x01, 0x00, 0x02, 0x00, 0x00}))
	require.Equal(t, 1, cluster.forwardCount(), "field update forwards exactly once")

	d.HandleDisconnect(sender)
	require.Equal(t, 2, cluster.forwardCount(), "leave forwards exactly once")
}

func TestForwardedFramesDecodeOnTheParentSide(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	cluster := &fakeCluster{unified: true}
	d.SetCluster(cluster)

	sender, senderSess := connect(t, d, registry, "p1")
	d.HandleData(sender, protocol.EncodeFrame(protocol.InPos, []byte{0x64, 0x00, 0xCE, 0xFF, 0x02}))
	d.HandleDisconnect(sender)

	// Everything mirrored upward must carry the length-prefixed framing
	// the parent's decoder expects, each frame splitting to one packet.
	frames := cluster.forwardedFrames()
	require.Len(t, frames, 2)

	wantTypes := []byte{protocol.OutPos, protocol.OutLeave}
	for i, frame := range frames {
		packets, err := protocol.DecodeFrames(frame)
		require.NoError(t, err, "forwarded frame %d must decode cleanly", i)
		require.Len(t, packets, 1)
		require.Equal(t, wantTypes[i], packets[0].Type)
		require.Equal(t, senderSess.ID, binary.LittleEndian.Uint16(packets[0].Payload[0:2]))
	}

	pos, err := protocol.DecodePosition(frames[0][protocol.HeaderSize+2:])
	require.NoError(t, err)
	require.Equal(t, protocol.Position{X: 100, Y: -50, Facing: 2}, pos)
}

func TestRelayedLeaveKeepsClusterLinkOpen(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	cluster := &fakeCluster{unified: true}
	d.SetCluster(cluster)

	parent := &fakeConn{name: "parent"}
	parentSess := d.RegisterUpstream(parent)
	client, _ := connect(t, d, registry, "p1")

	// A leave relayed down the cluster link refers to a remote player,
	// not the link: the node connection must survive it.
	d.HandleData(parent, protocol.EncodeFrame(protocol.ClusterLeave, []byte("p9")))

	require.False(t, parent.closed, "the node link must stay open")
	_, ok := registry.Lookup(parent)
	require.True(t, ok, "the node session must stay registered")

	leaves := client.framesOfType(protocol.OutLeave)
	require.Len(t, leaves, 1, "local clients receive the relayed notice")
	require.Equal(t, parentSess.ID, sessionIDOf(leaves[0]))
	require.Zero(t, cluster.forwardCount(), "a relayed leave never bounces back up")
}

func TestIndependentClusterNeverForwards(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	cluster := &fakeCluster{unified: false}
	d.SetCluster(cluster)

	sender, _ := connect(t, d, registry, "p1")
	d.HandleData(sender, protocol.EncodeFrame(protocol.InPos, []byte{0x01, 0x00, 0x02, 0x00, 0x00}))
	d.HandleDisconnect(sender)

	require.Zero(t, cluster.forwardCount())
}

func TestUpstreamTrafficNeverBouncesBackUp(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	cluster := &fakeCluster{unified: true}
	d.SetCluster(cluster)

	parent := &fakeConn{name: "parent"}
	d.RegisterUpstream(parent)
	client, _ := connect(t, d, registry, "p1")

	// A relayed update arriving from the parent fans out to local
	// clients but must not mirror back to the parent.
	d.HandleData(parent, protocol.EncodeFrame(protocol.InPos, []byte{0x01, 0x00, 0x02, 0x00, 0x00}))

	require.Zero(t, cluster.forwardCount())
	require.Len(t, client.framesOfType(protocol.OutPos), 1)
	require.Empty(t, parent.framesOfType(protocol.OutPos), "node sessions are excluded from fan-out")
}

// captureLikes is a Persistence stub.
type captureLikes struct{ ids chan string }

func (c *captureLikes) IncrementLikeCounter(photoID string) error {
	c.ids <- photoID
	return nil
}

// captureMail is a Mailer stub.
type captureMail struct{ bodies chan string }

func (c *captureMail) Send(subject, body string) error {
	c.bodies <- body
	return nil
}

func TestUploadReachesPersistenceCollaborator(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	likes := &captureLikes{ids: make(chan string, 1)}
	d.SetSideChannels(likes, nil)

	sender, _ := connect(t, d, registry, "p1")
	d.HandleData(sender, protocol.EncodeFrame(protocol.InUpload, []byte(`{"photoId":"photo-7"}`)))

	select {
	case id := <-likes.ids:
		require.Equal(t, "photo-7", id)
	case <-time.After(time.Second):
		t.Fatal("like counter was never incremented")
	}
}

func TestEmailReachesMailCollaborator(t *testing.T) {
	d, registry, _ := newTestDispatcher()
	mail := &captureMail{bodies: make(chan string, 1)}
	d.SetSideChannels(nil, mail)

	sender, _ := connect(t, d, registry, "p1")
	d.HandleData(sender, protocol.EncodeFrame(protocol.InEmail, []byte("the door is stuck")))

	select {
	case body := <-mail.bodies:
		require.Equal(t, "the door is stuck", body)
	case <-time.After(time.Second):
		t.Fatal("mail was never sent")
	}
}

func TestMalformedJSONDropsPacketNotConnection(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	conn := &fakeConn{name: "p1"}
	d.HandleConnect(conn)

	d.HandleData(conn, protocol.EncodeFrame(protocol.InID, []byte("{not json")))
	require.Equal(t, 1, registry.Count(), "a bad payload must not tear the session down")

	// A good sub-packet after a bad one in the same read still lands.
	read := append(protocol.EncodeFrame(protocol.InMiscData, []byte("{broken")),
		protocol.EncodeFrame(protocol.InID, []byte(`{"id":"p1"}`))...)
	d.HandleData(conn, read)

	s, _ := registry.Lookup(conn)
	require.Equal(t, "p1", s.Identity)
}
