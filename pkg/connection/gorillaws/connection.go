// Package gorillaws implements connection.Transport on top of gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"

	gorilla "github.com/gorilla/websocket"
)

// DefaultDialer is the default gorilla dialer used by the Transport.
//
// It differs from gorilla.DefaultDialer in that it never goes through a proxy,
// since relays only ever listen on loopback.
var DefaultDialer = &gorilla.Dialer{
	HandshakeTimeout: constants.DefaultHandshakeTimeout,
}

type Transport struct {
	Dialer *gorilla.Dialer

	conf *connection.Config
}

var _ connection.Transport = (*Transport)(nil)

func New(conf *connection.Config) *Transport {
	dialer := *DefaultDialer
	if conf.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = conf.HandshakeTimeout
	}
	return &Transport{
		Dialer: &dialer,
		conf:   conf,
	}
}

func (t *Transport) Open(ctx context.Context, endpoint models.Endpoint, events connection.Events) connection.Handle {
	ctx, cancel := context.WithCancel(ctx)

	size := t.conf.OutboxSize
	if size <= 0 {
		size = constants.OutboxSize
	}

	messageType := gorilla.TextMessage
	if t.conf.Binary {
		messageType = gorilla.BinaryMessage
	}

	h := &handle{
		events:       events,
		logger:       t.conf.Logger,
		messageType:  messageType,
		writeTimeout: t.conf.WriteTimeout,
		outbox:       make(chan []byte, size),
		closeCh:      make(chan struct{}),
		cancel:       cancel,
		url:          endpoint.URL(),
	}

	go h.dial(ctx, t.Dialer)

	return h
}

type handleState int

const (
	stateDialing handleState = iota
	stateOpen
	stateClosed
)

type handle struct {
	events       connection.Events
	logger       logger.Logger
	messageType  int
	writeTimeout time.Duration
	url          string

	// outbox feeds the single writer goroutine so that Send never blocks.
	outbox chan []byte
	// closeCh is closed once the handle is closed, locally or not.
	// It stops the writer goroutine.
	closeCh chan struct{}
	cancel  context.CancelFunc

	// mu guards state and conn.
	mu    sync.Mutex
	state handleState
	conn  *gorilla.Conn
	// closedLocally tells the reader that a read error is the result of Close.
	closedLocally bool

	terminate sync.Once
}

func (h *handle) dial(ctx context.Context, dialer *gorilla.Dialer) {
	conn, res, err := dialer.DialContext(ctx, h.url, nil)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		h.mu.Lock()
		h.state = stateClosed
		h.mu.Unlock()
		h.fail(err)
		return
	}

	h.mu.Lock()
	if h.state == stateClosed {
		h.mu.Unlock()
		conn.Close()
		h.fail(constants.ErrClosed)
		return
	}
	h.state = stateOpen
	h.conn = conn
	h.mu.Unlock()

	h.terminate.Do(func() {
		if h.events.OnOpen != nil {
			h.events.OnOpen()
		}
	})

	go h.writeLoop(conn)
	h.readLoop(conn)
}

func (h *handle) fail(err error) {
	h.terminate.Do(func() {
		h.cancel()
		if h.events.OnError != nil {
			h.events.OnError(err)
		}
	})
}

// Send never blocks: frames that do not fit in the outbox are dropped.
func (h *handle) Send(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateOpen {
		h.logger.Warn("websocket not open, dropping frame", "url", h.url)
		return
	}

	select {
	case h.outbox <- payload:
	default:
		h.logger.Warn("dropping frame", "url", h.url, "error", constants.ErrOutboxFull)
	}
}

// Close sends a normal closure frame and releases the socket in the background.
func (h *handle) Close() {
	h.mu.Lock()
	if h.closedLocally {
		h.mu.Unlock()
		return
	}
	h.closedLocally = true
	prev := h.state
	h.state = stateClosed
	conn := h.conn
	if prev != stateClosed {
		close(h.closeCh)
	}
	h.mu.Unlock()

	h.cancel()

	if prev != stateOpen || conn == nil {
		return
	}

	go func() {
		deadline := time.Now().Add(h.writeTimeout)
		err := conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""), deadline)
		if err != nil && !errors.Is(err, gorilla.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			// We still close the socket below; the relay just won't see a clean close.
			h.logger.Debug("failed to write close message", "url", h.url, "error", err)
		}
		conn.Close()
	}()
}

func (h *handle) writeLoop(conn *gorilla.Conn) {
	for {
		select {
		case <-h.closeCh:
			return
		case payload := <-h.outbox:
			if h.writeTimeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
					h.logger.Debug("failed to set write deadline", "url", h.url, "error", err)
				}
			}
			if err := conn.WriteMessage(h.messageType, payload); err != nil {
				h.logger.Warn("failed to write frame", "url", h.url, "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (h *handle) readLoop(conn *gorilla.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			h.finish(conn, h.handleError(err))
			return
		}
		if mt == gorilla.TextMessage || mt == gorilla.BinaryMessage {
			if h.events.OnMessage != nil {
				h.events.OnMessage(data)
			}
		}
	}
}

// handleError turns a read error into the error reported through OnClose.
// A close that we initiated is reported as nil.
func (h *handle) handleError(err error) error {
	h.mu.Lock()
	local := h.closedLocally
	h.mu.Unlock()

	if local {
		return nil
	}
	if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
		h.logger.Warn("websocket closed unexpectedly", "url", h.url, "error", err)
	} else if !errors.Is(err, net.ErrClosed) {
		h.logger.Debug("websocket closed", "url", h.url, "error", err)
	}
	return err
}

func (h *handle) finish(conn *gorilla.Conn, err error) {
	h.mu.Lock()
	if h.state != stateClosed {
		h.state = stateClosed
		close(h.closeCh)
	}
	h.mu.Unlock()

	h.cancel()
	conn.Close()

	if h.events.OnClose != nil {
		h.events.OnClose(err)
	}
}
