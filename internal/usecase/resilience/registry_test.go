package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsSameBreakerPerLabel(t *testing.T) {
	reg := NewBreakerRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute}, nil)

	a := reg.Get("llm:local")
	assert.Same(t, a, reg.Get("llm:local"))
	assert.NotSame(t, a, reg.Get("api:sports"))
}

func TestRegistryLabelsAreIsolated(t *testing.T) {
	reg := NewBreakerRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute}, nil)

	failN(t, reg.Get("llm:down"), 1)

	assert.Equal(t, "open", reg.Get("llm:down").State())
	require.NoError(t, reg.Get("llm:up").Execute(func() error { return nil }))
	assert.Equal(t, "closed", reg.Get("llm:up").State())
}

func TestRegistrySnapshot(t *testing.T) {
	reg := NewBreakerRegistry(BreakerSettings{FailureThreshold: 2, Cooldown: time.Minute}, nil)
	failN(t, reg.Get("b"), 2)
	failN(t, reg.Get("a"), 1)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Label)
	assert.Equal(t, "closed", snap[0].State)
	assert.Equal(t, uint32(1), snap[0].ConsecutiveFailures)
	assert.Equal(t, "b", snap[1].Label)
	assert.Equal(t, "open", snap[1].State)
	assert.Greater(t, snap[1].Remaining, time.Duration(0))
}

func TestDisabledRegistry(t *testing.T) {
	reg := NewDisabledRegistry()
	assert.Nil(t, reg.Get("anything"))
	assert.Empty(t, reg.Snapshot())

	var nilReg *BreakerRegistry
	assert.Nil(t, nilReg.Get("x"))
}
