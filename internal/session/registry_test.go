package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaynode-project/relaynode/internal/transport"
)

// fakeConn is a transport.Conn that records sent frames.
type fakeConn struct {
	mu     sync.Mutex
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
func (c *fakeConn) RemoteAddr() string   { return "test:0" }

func TestAssignFoldsNodeIndexIntoID(t *testing.T) {
	r := NewRegistry(2)

	first := r.Assign(&fakeConn{})
	second := r.Assign(&fakeConn{})

	require.Equal(t, uint16(512), first.ID)
	require.Equal(t, uint16(513), second.ID)
	require.Equal(t, 2, r.Count())
}

func TestAssignCounterWraps(t *testing.T) {
	r := NewRegistry(0)

	var last *Session
	for i := 0; i < 256; i++ {
		last = r.Assign(&fakeConn{})
		r.Remove(last.ID)
	}
	require.Equal(t, uint16(255), last.ID)

	wrapped := r.Assign(&fakeConn{})
	require.Equal(t, uint16(0), wrapped.ID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(0)
	s := r.Assign(&fakeConn{})

	require.True(t, r.Remove(s.ID))
	require.False(t, r.Remove(s.ID))
	require.False(t, r.Remove(9999))
	require.Zero(t, r.Count())
}

func TestLookupByConnection(t *testing.T) {
	r := NewRegistry(0)
	conn := &fakeConn{}
	s := r.Assign(conn)

	got, ok := r.Lookup(conn)
	require.True(t, ok)
	require.Same(t, s, got)

	r.Remove(s.ID)
	_, ok = r.Lookup(conn)
	require.False(t, ok)
}

func TestAllReturnsSnapshot(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 5; i++ {
		r.Assign(&fakeConn{})
	}

	snapshot := r.All()
	require.Len(t, snapshot, 5)

	// Mutating the registry must not affect an already-taken snapshot.
	r.Remove(snapshot[0].ID)
	require.Len(t, snapshot, 5)
	require.Equal(t, 4, r.Count())
}

func TestConcurrentAssignRemove(t *testing.T) {
	r := NewRegistry(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.Assign(&fakeConn{})
			r.All()
			r.Remove(s.ID)
		}()
	}
	wg.Wait()

	require.Zero(t, r.Count())
}
