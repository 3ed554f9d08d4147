package rews

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabcounter/tabcounter.go/internal/codec"
	"github.com/tabcounter/tabcounter.go/internal/fakerelay"
	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/connection/gorillaws"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
)

func newRelay(t *testing.T) *fakerelay.Server {
	t.Helper()
	relay := fakerelay.NewServer("127.0.0.1:0")
	require.NoError(t, relay.Start())
	t.Cleanup(func() { relay.Stop() })
	return relay
}

func newWebSocketManager(t *testing.T, metric MetricSource, binary bool) *Manager {
	t.Helper()

	conf := connection.NewConfig()
	conf.Logger = logger.Discard()
	conf.HandshakeTimeout = time.Second
	conf.Binary = binary

	var marshaler codec.Marshaler = codec.JSON
	if binary {
		marshaler = codec.CBOR
	}

	m := NewManager(gorillaws.New(conf),
		WithMarshaler(marshaler),
		WithMetricSource(metric),
		WithRetryer(func() Retryer { return NewFixedDelayRetryer(20*time.Millisecond, 0) }),
	)
	t.Cleanup(m.Close)
	return m
}

func TestIntegrationSendAndRefresh(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	for _, binary := range []bool{false, true} {
		name := "json"
		if binary {
			name = "cbor"
		}
		t.Run(name, func(t *testing.T) {
			relay := newRelay(t)
			m := newWebSocketManager(t, MetricFunc(func() int { return 12 }), binary)

			m.Initialize(relay.Endpoint())
			require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)

			// Pushed on connect.
			require.Eventually(t, func() bool { return len(relay.Counts()) == 1 }, 3*time.Second, 5*time.Millisecond)

			m.Send(3)
			require.NoError(t, relay.RequestRefresh())

			assert.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]int{12, 3, 12}, relay.Counts())
			}, 3*time.Second, 5*time.Millisecond)
		})
	}
}

func TestIntegrationRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	relay := newRelay(t)
	m := newWebSocketManager(t, MetricFunc(func() int { return 5 }), false)

	m.Initialize(relay.Endpoint())
	require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)

	// Relay goes away: the manager falls back to retrying.
	require.NoError(t, relay.Stop())
	require.Eventually(t, func() bool { return !m.IsConnected() }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, m.RetrierRunning())

	m.Send(8)

	// Relay comes back on the same address: exactly one connection is re-established.
	require.NoError(t, relay.Start())
	require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)
	assert.False(t, m.RetrierRunning())

	m.Send(9)
	assert.Eventually(t, func() bool {
		last, ok := relay.LastCount()
		return ok && last == 9
	}, 3*time.Second, 5*time.Millisecond)
	assert.NotContains(t, relay.Counts(), 8)
	assert.Equal(t, 1, relay.Connections())
}

func TestIntegrationReconfigure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	first := newRelay(t)
	second := newRelay(t)
	m := newWebSocketManager(t, MetricFunc(func() int { return 1 }), false)

	m.Initialize(first.Endpoint())
	require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)

	m.Reconfigure(second.Endpoint())
	require.Eventually(t, func() bool { return second.Connections() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return first.Connections() == 0 }, 3*time.Second, 5*time.Millisecond)

	m.Send(2)
	assert.Eventually(t, func() bool {
		last, ok := second.LastCount()
		return ok && last == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestIntegrationRemoteClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	relay := newRelay(t)
	m := newWebSocketManager(t, MetricFunc(func() int { return 4 }), false)

	m.Initialize(relay.Endpoint())
	require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)

	relay.CloseAll(1001, "going away")

	// Reconnects on its own since the relay is still listening.
	require.Eventually(t, func() bool { return relay.Accepted() == 2 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, m.IsConnected, 3*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return relay.Connections() == 1 }, 3*time.Second, 5*time.Millisecond)
}
