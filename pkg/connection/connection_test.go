package connection_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabcounter/tabcounter.go/internal/mock"
	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	msgs   [][]byte
}

func (r *recorder) handlers() connection.Handlers {
	return connection.Handlers{
		OnOpen: func(*connection.Connection) { r.add("open", nil) },
		OnClose: func(_ *connection.Connection, err error) {
			r.add("close", err)
		},
		OnError: func(_ *connection.Connection, err error) {
			r.add("error", err)
		},
		OnMessage: func(_ *connection.Connection, payload []byte) {
			r.mu.Lock()
			r.msgs = append(r.msgs, payload)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) add(event string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.errs = append(r.errs, err)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestConnection(t *testing.T) {
	endpoint := models.NewEndpoint(7212, "")

	t.Run("open then remote close", func(t *testing.T) {
		tr := mock.NewTransport()
		rec := &recorder{}
		c := connection.New(tr, endpoint, rec.handlers(), logger.Discard())

		require.Equal(t, 1, tr.Count())
		assert.Equal(t, endpoint, c.Endpoint())
		assert.NotEmpty(t, c.ID())

		h := tr.Last()
		h.Open()
		h.Receive([]byte("hi"))
		c.Send([]byte("payload"))
		h.Drop(errors.New("going away"))
		h.Drop(errors.New("again"))

		assert.Equal(t, []string{"open", "close"}, rec.Events())
		assert.Equal(t, [][]byte{[]byte("hi")}, rec.msgs)
		assert.Equal(t, [][]byte{[]byte("payload")}, h.Sent())
	})

	t.Run("failed dial reports error only", func(t *testing.T) {
		tr := mock.NewTransport()
		rec := &recorder{}
		connection.New(tr, endpoint, rec.handlers(), logger.Discard())

		tr.Last().Fail(mock.ErrRefused)
		tr.Last().Open()

		assert.Equal(t, []string{"error"}, rec.Events())
		assert.ErrorIs(t, rec.errs[0], mock.ErrRefused)
	})

	t.Run("send before open is dropped", func(t *testing.T) {
		tr := mock.NewTransport()
		c := connection.New(tr, endpoint, connection.Handlers{}, logger.Discard())

		c.Send([]byte("early"))
		tr.Last().Open()

		assert.Empty(t, tr.Last().Sent())
	})

	t.Run("close is idempotent and silences events", func(t *testing.T) {
		tr := mock.NewTransport()
		rec := &recorder{}
		c := connection.New(tr, endpoint, rec.handlers(), logger.Discard())
		h := tr.Last()
		h.Open()

		c.Close()
		c.Close()
		c.Send([]byte("late"))

		assert.True(t, h.IsClosed())
		assert.Equal(t, 1, h.CloseCalls())
		assert.Empty(t, h.Sent())

		// The mock reports the local close asynchronously; it must not surface.
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"open"}, rec.Events())
	})

	t.Run("close while dialing", func(t *testing.T) {
		tr := mock.NewTransport()
		rec := &recorder{}
		c := connection.New(tr, endpoint, rec.handlers(), logger.Discard())

		c.Close()
		tr.Last().Open()

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, rec.Events())
		assert.True(t, tr.Last().IsClosed())
	})
}
