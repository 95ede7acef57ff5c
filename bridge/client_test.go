package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ReconnectDelay(c.attempt), "attempt %d", c.attempt)
	}
}

func TestSubscriberGivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Nothing listens on port 1, so the first dial fails and with a budget of
	// zero there is no retry.
	sub := NewSubscriber(testLog.Sugar(), "ws://127.0.0.1:1/ws/events", func(ServerMessage) {},
		WithMaxReconnectAttempts(0))
	err := sub.Run(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "giving up")
}

func TestServerMessageSessionID(t *testing.T) {
	m := ServerMessage{Type: msgTypeBuildOutput, BuildID: "b1"}
	assert.Equal(t, "b1", m.SessionID())
	m = ServerMessage{Type: msgTypeSimulationOutput, SimulationID: "s1"}
	assert.Equal(t, "s1", m.SessionID())
}
