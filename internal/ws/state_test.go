package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnState_String(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateAwaitingRetry, "awaiting_retry"},
		{StateDisconnected, "disconnected"},
		{StateDisposed, "disposed"},
		{ConnState(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestConnState_Settled(t *testing.T) {
	assert.False(t, StateConnecting.Settled())
	assert.False(t, StateAwaitingRetry.Settled())
	assert.True(t, StateConnected.Settled())
	assert.True(t, StateDisconnected.Settled())
	assert.True(t, StateDisposed.Settled())
}

func TestState_LoadStore(t *testing.T) {
	var s State
	assert.Equal(t, StateConnecting, s.Load())

	s.Store(StateConnected)
	assert.Equal(t, StateConnected, s.Load())

	s.Store(StateAwaitingRetry)
	assert.Equal(t, StateAwaitingRetry, s.Load())
}
