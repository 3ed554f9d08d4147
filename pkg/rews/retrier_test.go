package rews

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabcounter/tabcounter.go/internal/mock"
	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

const (
	tick    = 5 * time.Millisecond
	timeout = 2 * time.Second
)

var testEndpoint = models.NewEndpoint(7212, "")

func refuse(models.Endpoint) error { return mock.ErrRefused }

func accept(models.Endpoint) error { return nil }

func alwaysRetry() RetrierHooks {
	return RetrierHooks{
		ShouldRetry: func() bool { return true },
		ShouldAbort: func() bool { return false },
	}
}

func TestRetrierStart(t *testing.T) {
	t.Run("second start is rejected and ignored", func(t *testing.T) {
		tr := mock.NewTransport()
		r := NewRetrier(tr, NewFixedDelayRetryer(time.Hour, 0), logger.Discard(), nil)
		defer r.Stop()

		require.NoError(t, r.Start(testEndpoint, alwaysRetry()))
		err := r.Start(models.NewEndpoint(9000, ""), alwaysRetry())

		assert.ErrorIs(t, err, constants.ErrRetrierRunning)
		assert.True(t, r.Running())
		assert.Equal(t, testEndpoint, r.Endpoint())
	})

	t.Run("initial wait is one second", func(t *testing.T) {
		r := NewRetrier(mock.NewTransport(), nil, logger.Discard(), nil)
		assert.Equal(t, time.Second, r.Wait())
	})
}

func TestRetrierSucceeds(t *testing.T) {
	tr := mock.NewTransport()
	tr.SetDial(accept)
	r := NewRetrier(tr, NewFixedDelayRetryer(tick, 0), logger.Discard(), nil)

	var stops atomic.Int32
	opened := make(chan *connection.Connection, 1)
	hooks := alwaysRetry()
	hooks.OnStop = func() { stops.Add(1) }
	hooks.OnOpen = func(c *connection.Connection) {
		// OnStop must already have run.
		assert.Equal(t, int32(1), stops.Load())
		opened <- c
	}

	require.NoError(t, r.Start(testEndpoint, hooks))

	select {
	case c := <-opened:
		assert.True(t, c.IsOpen())
		assert.Equal(t, testEndpoint, c.Endpoint())
	case <-time.After(timeout):
		t.Fatal("retrier never connected")
	}

	assert.False(t, r.Running())
	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, int32(1), stops.Load())
}

func TestRetrierBackoff(t *testing.T) {
	tr := mock.NewTransport()
	tr.SetDial(refuse)
	r := NewRetrier(tr, &LinearBackoffRetryer{
		InitialDelay: tick,
		Step:         tick,
		MaxDelay:     3 * tick,
	}, logger.Discard(), nil)

	var stops atomic.Int32
	hooks := alwaysRetry()
	hooks.OnStop = func() { stops.Add(1) }
	require.NoError(t, r.Start(testEndpoint, hooks))

	assert.Eventually(t, func() bool { return r.Wait() == 3*tick }, timeout, time.Millisecond)
	assert.Eventually(t, func() bool { return tr.Count() >= 4 }, timeout, time.Millisecond)

	r.Stop()
	r.Stop()

	assert.False(t, r.Running())
	assert.Equal(t, tick, r.Wait())
	assert.Equal(t, int32(0), stops.Load(), "Stop must not invoke OnStop")

	// No more ticks after Stop.
	count := tr.Count()
	time.Sleep(10 * tick)
	assert.Equal(t, count, tr.Count())
}

func TestRetrierAbort(t *testing.T) {
	tr := mock.NewTransport()
	r := NewRetrier(tr, NewFixedDelayRetryer(tick, 0), logger.Discard(), nil)

	stopped := make(chan struct{})
	require.NoError(t, r.Start(testEndpoint, RetrierHooks{
		ShouldRetry: func() bool { return true },
		ShouldAbort: func() bool { return true },
		OnStop:      func() { close(stopped) },
	}))

	select {
	case <-stopped:
	case <-time.After(timeout):
		t.Fatal("retrier did not abort")
	}
	assert.False(t, r.Running())
	assert.Equal(t, 0, tr.Count())
}

func TestRetrierSkipsTicks(t *testing.T) {
	tr := mock.NewTransport()
	r := NewRetrier(tr, NewFixedDelayRetryer(tick, 0), logger.Discard(), nil)
	defer r.Stop()

	var asked atomic.Int32
	require.NoError(t, r.Start(testEndpoint, RetrierHooks{
		ShouldRetry: func() bool {
			asked.Add(1)
			return false
		},
		ShouldAbort: func() bool { return false },
	}))

	assert.Eventually(t, func() bool { return asked.Load() >= 3 }, timeout, time.Millisecond)
	assert.True(t, r.Running())
	assert.Equal(t, 0, tr.Count())
}

func TestRetrierSingleAttemptInFlight(t *testing.T) {
	// Handles stay dialing until driven, so every later tick finds an attempt in flight.
	tr := mock.NewTransport()
	r := NewRetrier(tr, NewFixedDelayRetryer(tick, 0), logger.Discard(), nil)

	var asked atomic.Int32
	hooks := alwaysRetry()
	hooks.ShouldRetry = func() bool {
		asked.Add(1)
		return true
	}
	require.NoError(t, r.Start(testEndpoint, hooks))

	assert.Eventually(t, func() bool { return asked.Load() >= 5 }, timeout, time.Millisecond)
	assert.Equal(t, 1, tr.Count())

	h := tr.Last()
	r.Stop()
	assert.True(t, h.IsClosed(), "Stop must close the attempt in flight")

	// A late open of the abandoned attempt is ignored.
	h.Open()
	assert.False(t, r.Running())
}

func TestRetrierGivesUp(t *testing.T) {
	tr := mock.NewTransport()
	tr.SetDial(refuse)
	r := NewRetrier(tr, NewFixedDelayRetryer(tick, 2), logger.Discard(), nil)

	stopped := make(chan struct{})
	hooks := alwaysRetry()
	hooks.OnStop = func() { close(stopped) }
	require.NoError(t, r.Start(testEndpoint, hooks))

	select {
	case <-stopped:
	case <-time.After(timeout):
		t.Fatal("retrier did not give up")
	}
	assert.False(t, r.Running())
	assert.Equal(t, 2, tr.Count())
}

func TestRetrierRestartAfterStop(t *testing.T) {
	tr := mock.NewTransport()
	tr.SetDial(refuse)
	r := NewRetrier(tr, NewFixedDelayRetryer(tick, 0), logger.Discard(), nil)

	require.NoError(t, r.Start(testEndpoint, alwaysRetry()))
	r.Stop()

	other := models.NewEndpoint(9000, "")
	require.NoError(t, r.Start(other, alwaysRetry()))
	defer r.Stop()

	assert.Eventually(t, func() bool { return tr.Count() > 0 }, timeout, time.Millisecond)
	assert.Equal(t, other, tr.Last().Endpoint)
}
