package connection

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// Handlers receive the terminal events of a Connection.
//
// The *Connection that fired is passed along so that receivers
// can tell events of a superseded connection from the current one.
type Handlers struct {
	OnOpen    func(c *Connection)
	OnClose   func(c *Connection, err error)
	OnError   func(c *Connection, err error)
	OnMessage func(c *Connection, payload []byte)
}

// Connection owns exactly one transport Handle to one Endpoint.
//
// Its outcome is reported exactly once: OnOpen, possibly followed by OnClose,
// or OnError alone. Once Close has been called no further events are delivered.
type Connection struct {
	id       uuid.UUID
	endpoint models.Endpoint
	handlers Handlers
	logger   logger.Logger

	cancel context.CancelFunc

	mu     sync.Mutex
	handle Handle
	opened bool
	// done is set once a terminal event was delivered or Close was called.
	done   bool
	closed bool
}

// New begins opening a connection to endpoint over transport.
func New(transport Transport, endpoint models.Endpoint, handlers Handlers, log logger.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:       uuid.Must(uuid.NewV4()),
		endpoint: endpoint,
		handlers: handlers,
		logger:   log,
		cancel:   cancel,
	}

	log.Debug("connection opening", "conn_id", c.id.String(), "endpoint", endpoint.String())

	handle := transport.Open(ctx, endpoint, Events{
		OnOpen:    c.onOpen,
		OnClose:   c.onClose,
		OnError:   c.onError,
		OnMessage: c.onMessage,
	})

	c.mu.Lock()
	c.handle = handle
	closeNow := c.closed
	c.mu.Unlock()

	// Close was called from another goroutine before Open returned.
	if closeNow {
		handle.Close()
	}

	return c
}

func (c *Connection) ID() string {
	return c.id.String()
}

func (c *Connection) Endpoint() models.Endpoint {
	return c.endpoint
}

// IsOpen reports whether the connection opened and has not ended since.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened && !c.done
}

// Send writes payload if the connection is still usable, and drops it otherwise.
func (c *Connection) Send(payload []byte) {
	c.mu.Lock()
	handle, usable := c.handle, c.opened && !c.done
	c.mu.Unlock()

	if !usable || handle == nil {
		c.logger.Debug("connection not usable, dropping frame", "conn_id", c.ID())
		return
	}
	handle.Send(payload)
}

// Close releases the transport handle. It is idempotent,
// and suppresses every event the handle may still report.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasDone := c.done
	c.closed = true
	c.done = true
	handle := c.handle
	c.mu.Unlock()

	c.cancel()
	if handle != nil {
		handle.Close()
	}
	if !wasDone {
		c.logger.Debug("connection closed locally", "conn_id", c.ID())
	}
}

func (c *Connection) onOpen() {
	c.mu.Lock()
	if c.done || c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = true
	c.mu.Unlock()

	c.logger.Debug("connection open", "conn_id", c.ID())
	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen(c)
	}
}

func (c *Connection) onClose(err error) {
	c.mu.Lock()
	if c.done || !c.opened {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	c.cancel()
	c.logger.Debug("connection closed", "conn_id", c.ID(), "error", err)
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(c, err)
	}
}

func (c *Connection) onError(err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	opened := c.opened
	c.mu.Unlock()

	c.cancel()

	// A failure after open ends the connection the same way a close does.
	if opened {
		c.logger.Debug("connection failed after open", "conn_id", c.ID(), "error", err)
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(c, err)
		}
		return
	}

	c.logger.Debug("connection failed", "conn_id", c.ID(), "error", err)
	if c.handlers.OnError != nil {
		c.handlers.OnError(c, err)
	}
}

func (c *Connection) onMessage(payload []byte) {
	c.mu.Lock()
	usable := c.opened && !c.done
	c.mu.Unlock()

	if !usable {
		return
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(c, payload)
	}
}
