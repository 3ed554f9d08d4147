package rews

import (
	"fmt"
	"sync"

	"github.com/tabcounter/tabcounter.go/internal/codec"
	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// AssertionError reports a misuse of the Manager that indicates a programming error.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "assertion error: " + e.Message
}

type Option func(m *Manager)

func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.logger = log }
}

// WithMarshaler sets the codec outbound messages are encoded with. Defaults to JSON.
func WithMarshaler(marshaler codec.Marshaler) Option {
	return func(m *Manager) { m.marshaler = marshaler }
}

// WithRetryer sets the factory that creates the backoff policy of every new Retrier.
func WithRetryer(newRetryer func() Retryer) Option {
	return func(m *Manager) { m.newRetryer = newRetryer }
}

func WithObserver(observer Observer) Option {
	return func(m *Manager) { m.observer = observer }
}

// WithMetricSource sets where the value pushed on connect and on inbound messages comes from.
func WithMetricSource(source MetricSource) Option {
	return func(m *Manager) { m.metric = source }
}

// WithEndpointSource makes Initialize subscribe the Manager to endpoint changes.
func WithEndpointSource(source EndpointSource) Option {
	return func(m *Manager) { m.endpoints = source }
}

// Manager maintains at most one connection to the relay
// and at most one Retrier trying to re-establish it.
//
// A single mutex guards the engine state. Transport events, Send,
// Reconfigure and Retrier hooks all go through it, so they are processed
// one at a time. The lock order is Manager, then Retrier.
type Manager struct {
	transport  connection.Transport
	marshaler  codec.Marshaler
	newRetryer func() Retryer
	logger     logger.Logger
	observer   Observer
	metric     MetricSource
	endpoints  EndpointSource

	mu          sync.Mutex
	state       State
	conn        *connection.Connection
	retrier     *Retrier
	target      models.Endpoint
	initialized bool
	closed      bool
	unsubscribe func()

	notifier *notifier
}

func NewManager(transport connection.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:  transport,
		marshaler:  codec.JSON,
		newRetryer: func() Retryer { return NewLinearBackoffRetryer() },
		logger:     logger.Discard(),
		observer:   nopObserver{},
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.notifier = newNotifier(m.logger)
	return m
}

// Initialize opens the first connection to endpoint and subscribes to endpoint changes.
//
// It panics with *AssertionError when called more than once,
// or when the Manager already holds a connection.
func (m *Manager) Initialize(endpoint models.Endpoint) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("rews.Manager.Initialize called after Close")
		return
	}
	if m.initialized {
		m.mu.Unlock()
		panic(&AssertionError{Message: "Manager initialized twice"})
	}
	if m.state != StateDisconnected || m.conn != nil {
		state := m.state
		m.mu.Unlock()
		panic(&AssertionError{Message: fmt.Sprintf("Manager initialized in state %v with a connection", state)})
	}

	m.initialized = true
	m.target = endpoint
	m.connectLocked(endpoint)

	m.logger.Info("connecting to relay", "endpoint", endpoint.String())
	m.mu.Unlock()

	if m.endpoints == nil {
		return
	}

	unsubscribe := m.endpoints.Subscribe(m.Reconfigure)
	// A change published between the caller reading endpoint and Subscribe
	// reached no subscriber, so catch up with it here.
	current := m.endpoints.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe

	if !current.Equal(m.target) {
		m.logger.Info("endpoint changed while initializing", "endpoint", current.String())
		m.reconfigureLocked(current)
	}
}

// Send pushes value to the relay. Without an active connection
// the value is dropped with a warning.
func (m *Manager) Send(value int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendLocked(value)
}

// Reconfigure points the Manager at endpoint.
//
// Nothing happens when the current connection, pending or active, already
// targets endpoint, or when the running Retrier does. Otherwise the Retrier
// is stopped, the connection closed, and a new connection opened.
func (m *Manager) Reconfigure(endpoint models.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if !m.initialized {
		m.logger.Warn("rews.Manager.Reconfigure called before Initialize, ignoring", "endpoint", endpoint.String())
		return
	}

	m.reconfigureLocked(endpoint)
}

func (m *Manager) reconfigureLocked(endpoint models.Endpoint) {
	m.target = endpoint

	if m.conn != nil && m.conn.Endpoint().Equal(endpoint) {
		m.logger.Debug("endpoint unchanged", "endpoint", endpoint.String())
		m.observer.Reconfigured(ReconfigureUnchanged)
		return
	}

	if m.retrier != nil {
		if m.retrier.Endpoint().Equal(endpoint) {
			m.logger.Debug("retrier already targets endpoint", "endpoint", endpoint.String())
			m.observer.Reconfigured(ReconfigureRetrying)
			return
		}
		m.retrier.Stop()
		m.retrier = nil
	}

	wasActive := m.state == StateActive
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	m.logger.Info("reconnecting to new endpoint", "endpoint", endpoint.String())
	m.connectLocked(endpoint)
	if wasActive {
		m.notifier.notify(false)
	}
	m.observer.Reconfigured(ReconfigureApplied)
}

// Close stops the Retrier, closes the connection and cancels the endpoint subscription.
// The Manager cannot be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	if m.retrier != nil {
		m.retrier.Stop()
		m.retrier = nil
	}
	wasActive := m.state == StateActive
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.transitionLocked(StateDisconnected)
	if wasActive {
		m.notifier.notify(false)
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.notifier.close()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateActive
}

// Endpoint returns the endpoint the Manager is currently trying to reach.
func (m *Manager) Endpoint() models.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// RetrierRunning reports whether a Retrier is currently trying to reconnect.
func (m *Manager) RetrierRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrier != nil && m.retrier.Running()
}

// OnConnectivityChange registers fn to be called, in order and outside
// of any engine lock, every time the Manager becomes active or stops being active.
func (m *Manager) OnConnectivityChange(fn func(connected bool)) {
	m.notifier.subscribe(fn)
}

func (m *Manager) connectLocked(endpoint models.Endpoint) {
	m.transitionLocked(StatePending)
	m.conn = connection.New(m.transport, endpoint, connection.Handlers{
		OnOpen:    m.handleOpen,
		OnClose:   m.handleClose,
		OnError:   m.handleError,
		OnMessage: m.handleMessage,
	}, m.logger)
	m.observer.ConnectionAttempt(OriginManager)
}

func (m *Manager) transitionLocked(newState State) {
	if err := m.state.validateTransitionTo(newState); err != nil {
		m.logger.Error(fmt.Sprintf("BUG: rews.Manager: %v", err))
	}
	if m.state != newState {
		m.logger.Debug("rews.Manager state transitioned", "old_state", m.state, "new_state", newState)
	}
	m.state = newState
	m.observer.StateChanged(newState)
}

func (m *Manager) handleOpen(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || c != m.conn {
		m.logger.Debug("closing superseded connection", "conn_id", c.ID())
		c.Close()
		return
	}

	m.activateLocked()
}

func (m *Manager) handleClose(c *connection.Connection, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c != m.conn {
		m.logger.Debug("ignoring close of superseded connection", "conn_id", c.ID())
		return
	}

	m.logger.Warn("relay connection closed", "endpoint", c.Endpoint().String(), "error", err)
	m.disconnectLocked()
}

func (m *Manager) handleError(c *connection.Connection, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c != m.conn {
		m.logger.Debug("ignoring error of superseded connection", "conn_id", c.ID())
		return
	}

	m.logger.Warn("relay connection failed", "endpoint", c.Endpoint().String(), "error", err)
	m.disconnectLocked()
}

// handleMessage re-pushes the current value on any inbound frame.
// The content is not inspected.
func (m *Manager) handleMessage(c *connection.Connection, _ []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c != m.conn || m.state != StateActive {
		return
	}
	m.pushLocked()
}

// adopt takes over a connection established by r.
// It is rejected, and closed, unless the Manager is still waiting for exactly that.
func (m *Manager) adopt(r *Retrier, c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retrier == r {
		m.retrier = nil
	}

	switch {
	case !r.takeHandoff(c):
		m.logger.Debug("retrier connection was stopped before it was adopted", "conn_id", c.ID())
	case m.closed:
	case m.conn != nil, m.state == StateActive:
		m.logger.Debug("discarding retrier connection, another connection exists", "conn_id", c.ID())
	case !c.Endpoint().Equal(m.target):
		m.logger.Debug("discarding retrier connection to stale endpoint", "conn_id", c.ID())
	case !c.IsOpen():
		m.logger.Debug("retrier connection closed before it was adopted", "conn_id", c.ID())
	default:
		m.conn = c
		m.activateLocked()
		return
	}

	c.Close()
	if !m.closed && m.conn == nil {
		m.transitionLocked(StateDisconnected)
		m.startRetrierLocked()
	}
}

func (m *Manager) activateLocked() {
	m.transitionLocked(StateActive)
	m.logger.Info("connected to relay", "endpoint", m.conn.Endpoint().String())
	m.notifier.notify(true)
	m.pushLocked()
}

func (m *Manager) disconnectLocked() {
	wasActive := m.state == StateActive
	m.conn = nil
	m.transitionLocked(StateDisconnected)
	if wasActive {
		m.notifier.notify(false)
	}
	m.startRetrierLocked()
}

func (m *Manager) startRetrierLocked() {
	if m.closed || m.retrier != nil {
		return
	}

	r := NewRetrier(m.transport, m.newRetryer(), m.logger, m.observer)
	hooks := RetrierHooks{
		ShouldRetry: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return !m.closed && m.retrier == r && m.state != StateActive
		},
		ShouldAbort: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.closed || m.retrier != r || m.state == StateActive
		},
		OnStop: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// A Retrier handing off a connection stays in place until adopt,
			// so that Reconfigure and Close can still stop it.
			if m.retrier == r && !r.handingOff() {
				m.retrier = nil
			}
		},
		OnOpen: func(c *connection.Connection) {
			m.adopt(r, c)
		},
		OnClose:   m.handleClose,
		OnMessage: m.handleMessage,
	}

	if err := r.Start(m.target, hooks); err != nil {
		m.logger.Error(fmt.Sprintf("BUG: rews.Manager failed to start a fresh retrier: %v", err))
		return
	}
	m.retrier = r
	m.observer.RetrierStarted()
}

func (m *Manager) pushLocked() {
	if m.metric == nil {
		return
	}
	m.sendLocked(m.metric.Current())
}

func (m *Manager) sendLocked(value int) {
	if m.state != StateActive || m.conn == nil {
		m.logger.Warn("no active relay connection, dropping tab count", "count", value)
		m.observer.MessageDropped()
		return
	}

	data, err := m.marshaler.Marshal(models.NewSetTabCount(value))
	if err != nil {
		m.logger.Error("failed to encode tab count", "count", value, "error", err)
		m.observer.MessageDropped()
		return
	}

	m.conn.Send(data)
	m.observer.MessageSent()
}
