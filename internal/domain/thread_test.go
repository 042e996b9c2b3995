package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerThreadID(t *testing.T) {
	assert.Equal(t, "main::analyst_scout::r1", PeerThreadID("main", "scout", "analyst", 1))
	assert.Equal(t, PeerThreadID("m", "a", "b", 2), PeerThreadID("m", "b", "a", 2))
	assert.Equal(t, "m::a_b::r1", PeerThreadID("m", "a", "b", 0), "round defaults to 1")
	assert.NotEqual(t, PeerThreadID("m", "a", "b", 1), PeerThreadID("m", "a", "b", 2))
	assert.NotEqual(t, PeerThreadID("m1", "a", "b", 1), PeerThreadID("m2", "a", "b", 1))
}

func TestDebateThreadID(t *testing.T) {
	agents := []string{"c", "a", "b"}
	assert.Equal(t, "t::debate::a_b_c", DebateThreadID("t", agents))
	assert.Equal(t, []string{"c", "a", "b"}, agents, "input order must be preserved")
}

func TestCompactionSignalRange(t *testing.T) {
	from, to, ok := CompactionSignal{MessageCount: 60, LatestCheckpointEnd: 20, KeepTailMessages: 10}.Range()
	assert.True(t, ok)
	assert.Equal(t, 21, from)
	assert.Equal(t, 50, to)

	_, _, ok = CompactionSignal{MessageCount: 25, LatestCheckpointEnd: 20, KeepTailMessages: 10}.Range()
	assert.False(t, ok)
}

func TestThreadMessageText(t *testing.T) {
	m := ThreadMessage{Payload: NewDone("final", nil).Marshal()}
	assert.Equal(t, "final", m.Text())
}
