// Package fakerelay provides a fake tab counter relay for integration tests.
// It accepts set_tab_count frames over WebSocket, JSON as text or binary
// and CBOR as binary, and records every count it receives.
//
// The WebSocket server is implemented using the `gws` library.
//
// Failures can be injected per received frame (dropped TCP connection,
// WebSocket close frame, delays), and the whole relay can be stopped
// and restarted on the same address to simulate it going away.
package fakerelay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/tabcounter/tabcounter.go/internal/codec"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// cryptoRandFloat64 generates a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

// FailureType represents the type of failure to inject when a frame is received
type FailureType string

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureDelay delays before recording the frame
	FailureDelay FailureType = "delay"
	// FailureWebSocketClose sends WebSocket close frame with configurable code/reason
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection immediately closes the underlying network connection
	FailureDropConnection FailureType = "drop_connection"
)

// FailureConfig defines how and when to inject a specific failure type
type FailureConfig struct {
	// Type specifies the type of failure to inject
	Type FailureType
	// Probability of triggering this failure (0.0 to 1.0)
	Probability float64
	// Delay is used by FailureDelay
	Delay time.Duration
	// CloseCode is the WebSocket close code for FailureWebSocketClose
	CloseCode uint16
	// CloseReason is the WebSocket close reason for FailureWebSocketClose
	CloseReason string
}

func shouldTriggerFailure(probability float64) bool {
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

// Server is a fake relay.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	mu          sync.RWMutex
	failures    []FailureConfig
	connections map[*gws.Conn]bool
	counts      []int
	accepted    int
}

// Handler implements the gws.Handler interface for WebSocket connections
type Handler struct {
	server *Server
}

// NewServer creates a new fake relay.
// Use "127.0.0.1:0" to bind to a random available port.
func NewServer(addr string) *Server {
	s := &Server{
		addr:        addr,
		connections: make(map[*gws.Conn]bool),
	}

	s.server = gws.NewServer(&Handler{server: s}, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
			log.Printf("Server error: %v", err)
		}
	}

	return s
}

// SetFailures replaces the failures applied to every received frame.
func (s *Server) SetFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = failures
}

// Start listens on the configured address. After Stop, Start listens
// again on the address the previous run was bound to.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.server.RunListener(listener); err != nil {
			// Ignore "use of closed network connection" errors which are expected on shutdown
			if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
				log.Printf("Server error: %v", err)
			}
		}
	}()

	return nil
}

// Stop closes the listener and drops every open connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.DropAll()
	return err
}

func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Endpoint is the endpoint agents should be configured with.
func (s *Server) Endpoint() models.Endpoint {
	return models.Endpoint{Address: s.Address()}
}

// Connections is the number of currently open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Accepted is the number of connections accepted since the server was created.
func (s *Server) Accepted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted
}

// Counts returns every count received, in order.
func (s *Server) Counts() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.counts...)
}

// LastCount returns the most recent count, if any was received.
func (s *Server) LastCount() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.counts) == 0 {
		return 0, false
	}
	return s.counts[len(s.counts)-1], true
}

// RequestRefresh asks every connected agent to push its count again.
func (s *Server) RequestRefresh() error {
	data, err := codec.JSON.Marshal(models.NewRequestTabCount())
	if err != nil {
		return err
	}

	var errs []error
	for _, socket := range s.sockets() {
		if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DropAll closes the underlying network connection of every socket,
// without a WebSocket close frame.
func (s *Server) DropAll() {
	for _, socket := range s.sockets() {
		socket.NetConn().Close()
	}
}

// CloseAll sends a WebSocket close frame to every socket.
func (s *Server) CloseAll(code uint16, reason string) {
	for _, socket := range s.sockets() {
		socket.WriteClose(code, []byte(reason))
	}
}

func (s *Server) sockets() []*gws.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sockets := make([]*gws.Conn, 0, len(s.connections))
	for socket := range s.connections {
		sockets = append(sockets, socket)
	}
	return sockets
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.connections[socket] = true
	h.server.accepted++
	h.server.mu.Unlock()
}

func (h *Handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.connections, socket)
	h.server.mu.Unlock()
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("Error writing Pong: %v", err)
	}
}

func (h *Handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	h.server.mu.RLock()
	failures := h.server.failures
	h.server.mu.RUnlock()

	for _, failure := range failures {
		if shouldTriggerFailure(failure.Probability) {
			if err := h.applyFailure(socket, failure); err != nil {
				return
			}
		}
	}

	msg, err := decode(message.Opcode, message.Bytes())
	if err != nil {
		log.Printf("fakerelay: skipping frame: %v", err)
		return
	}

	h.server.mu.Lock()
	h.server.counts = append(h.server.counts, *msg.Count)
	h.server.mu.Unlock()
}

// applyFailure returns an error when the frame must not be processed further.
func (h *Handler) applyFailure(socket *gws.Conn, failure FailureConfig) error {
	switch failure.Type {
	case FailureNone:
		return nil
	case FailureDelay:
		time.Sleep(failure.Delay)
		return nil
	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1011
		}
		socket.WriteClose(code, []byte(failure.CloseReason))
		return fmt.Errorf("injected %s", failure.Type)
	case FailureDropConnection:
		socket.NetConn().Close()
		return fmt.Errorf("injected %s", failure.Type)
	default:
		return fmt.Errorf("unknown failure type %q", failure.Type)
	}
}

func decode(opcode gws.Opcode, data []byte) (*models.Message, error) {
	var unmarshaler codec.Unmarshaler = codec.JSON
	if opcode == gws.OpcodeBinary && len(data) > 0 && data[0] != '{' {
		unmarshaler = codec.CBOR
	}

	var msg models.Message
	if err := unmarshaler.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != constants.MessageTypeSetTabCount || msg.Count == nil {
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownMessage, msg.Type)
	}
	return &msg, nil
}

func isUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errStr == "use of closed network connection" ||
		(len(errStr) > 30 && errStr[len(errStr)-30:] == "use of closed network connection")
}
