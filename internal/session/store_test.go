package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaynode-project/relaynode/internal/protocol"
)

func TestPutAndGet(t *testing.T) {
	s := NewStore()

	uid := s.Put(&PlayerState{Identity: "p1", Name: "Player One"})
	require.Equal(t, "p1", uid)

	got, ok := s.Get("p1")
	require.True(t, ok)
	require.Equal(t, "Player One", got.Name)
}

func TestPutDeduplicatesIdentity(t *testing.T) {
	s := NewStore()

	require.Equal(t, "p1", s.Put(&PlayerState{Identity: "p1"}))
	require.Equal(t, "p1f", s.Put(&PlayerState{Identity: "p1"}))
	require.Equal(t, "p1ff", s.Put(&PlayerState{Identity: "p1"}))

	// The original record survives untouched.
	_, ok := s.Get("p1")
	require.True(t, ok)
	require.Equal(t, 3, s.Count())
}

func TestConcurrentDuplicatePut(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	ids := make(chan string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- s.Put(&PlayerState{Identity: "p1"})
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	require.True(t, seen["p1"])
	require.True(t, seen["p1f"])
	require.Equal(t, 2, s.Count())
}

func TestSetPosition(t *testing.T) {
	s := NewStore()
	s.Put(&PlayerState{Identity: "p1"})

	pos := protocol.Position{X: 100, Y: -50, Facing: 2}
	require.True(t, s.SetPosition("p1", pos))

	got, _ := s.Get("p1")
	require.Equal(t, pos, got.Position)

	require.False(t, s.SetPosition("ghost", pos))
}

func TestSetFieldReplacesWholeValue(t *testing.T) {
	s := NewStore()
	s.Put(&PlayerState{Identity: "p1", Room: "plaza"})

	require.True(t, s.SetField("p1", protocol.InMyRoom, "forest"))
	require.True(t, s.SetField("p1", protocol.InOutfit, "wizard"))
	require.True(t, s.SetField("p1", protocol.InName, "Merlin"))

	got, _ := s.Get("p1")
	require.Equal(t, "forest", got.Room)
	require.Equal(t, "wizard", got.Outfit)
	require.Equal(t, "Merlin", got.Name)

	require.False(t, s.SetField("p1", protocol.InHeartbeat, "x"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewStore()
	s.Put(&PlayerState{Identity: "p1"})

	s.Delete("p1")
	s.Delete("p1")
	require.Zero(t, s.Count())
}
