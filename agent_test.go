package tabcounter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabcounter/tabcounter.go/internal/mock"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/prefs"
	"github.com/tabcounter/tabcounter.go/pkg/relay"
	"github.com/tabcounter/tabcounter.go/pkg/rews"
	"github.com/tabcounter/tabcounter.go/pkg/state"
)

var errReset = errors.New("connection reset by peer")

const (
	timeout = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func writePrefs(t *testing.T, port int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefs.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("port = %d\n", port)), 0o600))
	return path
}

func sentStrings(h *mock.Handle) []string {
	var out []string
	for _, p := range h.Sent() {
		out = append(out, string(p))
	}
	return out
}

func newMockAgent(t *testing.T, conf Config) (*Agent, *mock.Transport) {
	t.Helper()
	transport := mock.NewTransport()
	conf.Transport = transport
	a, err := New(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, transport
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Run("backoff", func(t *testing.T) {
		conf := DefaultConfig()
		conf.Backoff = "random"
		_, err := New(conf)
		require.ErrorIs(t, err, constants.ErrUnknownBackoff)
	})

	t.Run("wire format", func(t *testing.T) {
		conf := DefaultConfig()
		conf.WireFormat = "xml"
		_, err := New(conf)
		require.ErrorIs(t, err, constants.ErrUnknownFormat)
	})
}

func TestAgentPushesTabCounts(t *testing.T) {
	conf := DefaultConfig()
	conf.PrefsPath = writePrefs(t, 7300)
	a, transport := newMockAgent(t, conf)

	require.NoError(t, a.Start(context.Background()))
	require.Equal(t, 1, transport.Count())
	h := transport.Last()
	assert.Equal(t, "127.0.0.1:7300", h.Endpoint.Address)
	assert.Equal(t, rews.StatePending, a.Manager().State())

	h.Open()
	require.Eventually(t, func() bool { return a.State().Get().SocketConnected }, timeout, tick)
	assert.Equal(t, []string{`{"type":"set_tab_count","count":0}`}, sentStrings(h))

	a.State().SetTabCount(3)
	a.State().Increment()
	a.State().Decrement()
	a.State().Decrement()
	// Unchanged counts are not pushed again.
	a.State().SetTabCount(2)

	assert.Equal(t, []string{
		`{"type":"set_tab_count","count":0}`,
		`{"type":"set_tab_count","count":3}`,
		`{"type":"set_tab_count","count":4}`,
		`{"type":"set_tab_count","count":3}`,
		`{"type":"set_tab_count","count":2}`,
	}, sentStrings(h))

	h.Drop(errReset)
	require.Eventually(t, func() bool { return !a.State().Get().SocketConnected }, timeout, tick)
	assert.Equal(t, 2, a.State().Get().OpenTabs)
}

func TestAgentPushesLatestCount(t *testing.T) {
	a, transport := newMockAgent(t, DefaultConfig())

	// Registered before the agent's own listener, so the nested update
	// to 5 is pushed before the agent handles the update to 1.
	a.State().Subscribe(func(_, next state.State) {
		if next.OpenTabs == 1 {
			a.State().SetTabCount(5)
		}
	})

	require.NoError(t, a.Start(context.Background()))
	h := transport.Last()
	h.Open()

	a.State().SetTabCount(1)

	sent := sentStrings(h)
	require.NotEmpty(t, sent)
	assert.Equal(t, `{"type":"set_tab_count","count":5}`, sent[len(sent)-1])
	assert.Equal(t, 5, a.State().Current())
}

func TestAgentFollowsPreferences(t *testing.T) {
	conf := DefaultConfig()
	conf.PrefsPath = writePrefs(t, 7300)
	a, transport := newMockAgent(t, conf)

	require.NoError(t, a.Start(context.Background()))
	transport.Last().Open()
	require.Eventually(t, func() bool { return a.State().Get().SocketConnected }, timeout, tick)

	port := 7301
	require.NoError(t, a.Prefs().Set(prefs.Update{Port: &port}))

	require.Equal(t, 2, transport.Count())
	assert.True(t, transport.Handles()[0].IsClosed())
	h := transport.Last()
	assert.Equal(t, "127.0.0.1:7301", h.Endpoint.Address)
	require.Eventually(t, func() bool { return !a.State().Get().SocketConnected }, timeout, tick)

	a.State().SetTabCount(6)
	h.Open()
	require.Eventually(t, func() bool { return a.State().Get().SocketConnected }, timeout, tick)
	assert.Equal(t, []string{`{"type":"set_tab_count","count":6}`}, sentStrings(h))
}

func TestAgentPeriodicPush(t *testing.T) {
	conf := DefaultConfig()
	conf.PushInterval = 10 * time.Millisecond
	a, transport := newMockAgent(t, conf)

	require.NoError(t, a.Start(context.Background()))
	a.State().SetTabCount(2)
	h := transport.Last()
	h.Open()

	require.Eventually(t, func() bool { return len(h.Sent()) >= 3 }, timeout, tick)
	for _, s := range sentStrings(h) {
		assert.Equal(t, `{"type":"set_tab_count","count":2}`, s)
	}
}

func TestAgentLifecycle(t *testing.T) {
	a, _ := newMockAgent(t, DefaultConfig())

	require.NoError(t, a.Start(context.Background()))
	require.ErrorIs(t, a.Start(context.Background()), constants.ErrAgentStarted)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, rews.StateDisconnected, a.Manager().State())
	require.ErrorIs(t, a.Start(context.Background()), constants.ErrClosed)
}

func TestAgentInvalidPreferences(t *testing.T) {
	conf := DefaultConfig()
	conf.PrefsPath = writePrefs(t, 0)
	a, transport := newMockAgent(t, conf)

	require.ErrorIs(t, a.Start(context.Background()), constants.ErrInvalidPort)
	assert.Equal(t, 0, transport.Count())
}

func TestAgentMetrics(t *testing.T) {
	conf := DefaultConfig()
	conf.MetricsAddr = "127.0.0.1:0"
	a, transport := newMockAgent(t, conf)

	require.NoError(t, a.Start(context.Background()))
	transport.Last().Open()
	require.Eventually(t, a.Manager().IsConnected, timeout, tick)

	// Sending while disconnected is counted as a drop.
	transport.Last().Drop(errReset)
	require.Eventually(t, func() bool { return !a.Manager().IsConnected() }, timeout, tick)
	a.State().SetTabCount(1)

	families, err := a.Metrics().Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				values[f.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["tabcounter_messages_sent_total"])
	assert.Equal(t, 1.0, values["tabcounter_messages_dropped_total"])
	assert.GreaterOrEqual(t, values["tabcounter_connection_attempts_total"], 1.0)
}

// TestAgentWithRelay runs the agent against the real relay over WebSockets.
func TestAgentWithRelay(t *testing.T) {
	for _, format := range []string{"json", "cbor"} {
		t.Run(format, func(t *testing.T) {
			relayConf := relay.NewConfig()
			relayConf.Port = 0
			r := relay.New(relayConf)
			require.NoError(t, r.Start())
			t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

			_, portStr, err := net.SplitHostPort(r.Address())
			require.NoError(t, err)
			port, err := strconv.Atoi(portStr)
			require.NoError(t, err)

			conf := DefaultConfig()
			conf.PrefsPath = writePrefs(t, port)
			conf.WireFormat = format
			a, err := New(conf)
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })

			a.State().SetTabCount(4)
			require.NoError(t, a.Start(context.Background()))

			require.Eventually(t, func() bool { return r.Connected() && r.LastSeen() == 4 }, timeout, tick)
			require.Eventually(t, func() bool { return a.State().Get().SocketConnected }, timeout, tick)

			a.State().Increment()
			require.Eventually(t, func() bool { return r.LastSeen() == 5 }, timeout, tick)
		})
	}
}
