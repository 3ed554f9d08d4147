// Package relay is the local server the agent pushes its tab count to.
//
// Each agent connection is asked for its count as soon as it opens, and every
// set_tab_count frame it sends is recorded and handed to an ActivitySink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tabcounter/tabcounter.go/internal/codec"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// Older agents spell the message type in camel case.
const setTabCountAlias = "setTabCount"

// ActivitySink receives every count reported by an agent.
type ActivitySink interface {
	SetActivity(count int) error
}

// LogSink logs the count as an activity line.
type LogSink struct {
	Logger logger.Logger
}

func (s LogSink) SetActivity(count int) error {
	s.Logger.Info(fmt.Sprintf("%d tabs open", count))
	return nil
}

type Config struct {
	Host   string
	Port   int
	Sink   ActivitySink
	Logger logger.Logger
}

func NewConfig() Config {
	log := logger.Discard()
	return Config{
		Host:   constants.DefaultHost,
		Port:   constants.DefaultPort,
		Sink:   LogSink{Logger: log},
		Logger: log,
	}
}

// CountResponse is the body of GET /count.
type CountResponse struct {
	Count     int  `json:"count"`
	Connected bool `json:"connected"`
}

type Server struct {
	conf       Config
	upgrader   websocket.Upgrader
	httpServer *http.Server

	lastSeen atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[*agentConn]struct{}
}

type agentConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *agentConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(constants.DefaultWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func New(conf Config) *Server {
	if conf.Logger == nil {
		conf.Logger = logger.Discard()
	}
	if conf.Sink == nil {
		conf.Sink = LogSink{Logger: conf.Logger}
	}

	s := &Server{
		conf: conf,
		upgrader: websocket.Upgrader{
			// Agents run in the browser, so their Origin never matches ours.
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: constants.DefaultHandshakeTimeout,
		},
		conns: make(map[*agentConn]struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: constants.DefaultHandshakeTimeout,
	}
	return s
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", s.serveWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/count", s.serveCount).Methods(http.MethodGet)
	return router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.conf.Host, strconv.Itoa(s.conf.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay failed to bind %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.conf.Logger.Info("relay listening", "address", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.conf.Logger.Error("relay server failed", "error", err)
		}
	}()
	return nil
}

// Address returns the bound address, or the configured one before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.conf.Host, strconv.Itoa(s.conf.Port))
}

// Endpoint returns the agent-side endpoint for this relay.
func (s *Server) Endpoint() models.Endpoint {
	return models.Endpoint{Address: s.Address()}
}

// LastSeen returns the most recent count received from any agent.
func (s *Server) LastSeen() int {
	return int(s.lastSeen.Load())
}

// Connected reports whether at least one agent is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// Shutdown stops accepting connections and closes the open ones
// with a normal closure.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(constants.CloseMessageCode, "relay shutting down")
	for _, c := range conns {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.DefaultWriteTimeout))
		c.mu.Unlock()
		_ = c.ws.Close()
	}
	return err
}

func (s *Server) serveCount(w http.ResponseWriter, _ *http.Request) {
	body, err := codec.JSON.Marshal(CountResponse{
		Count:     s.LastSeen(),
		Connected: s.Connected(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.conf.Logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &agentConn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.conf.Logger.Info("agent connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
		s.conf.Logger.Info("agent disconnected", "remote", r.RemoteAddr)
	}()

	if err := s.requestCount(c); err != nil {
		s.conf.Logger.Warn("failed to request tab count", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.readLoop(c, r.RemoteAddr)
}

func (s *Server) requestCount(c *agentConn) error {
	data, err := codec.JSON.Marshal(models.NewRequestTabCount())
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (s *Server) readLoop(c *agentConn, remote string) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.conf.Logger.Warn("agent connection closed unexpectedly", "remote", remote, "error", err)
			} else {
				s.conf.Logger.Debug("agent connection closed", "remote", remote, "error", err)
			}
			return
		}

		count, err := decode(messageType, data)
		if err != nil {
			s.conf.Logger.Warn("skipping malformed frame", "remote", remote, "error", err)
			continue
		}

		s.conf.Logger.Debug("received tab count", "remote", remote, "count", count)
		s.lastSeen.Store(int64(count))
		if err := s.conf.Sink.SetActivity(count); err != nil {
			s.conf.Logger.Error("failed to update activity", "count", count, "error", err)
		}
	}
}

// decode reads a set_tab_count frame. Text frames are JSON. Binary frames are
// JSON when they look like an object and CBOR otherwise.
func decode(messageType int, data []byte) (int, error) {
	var unmarshaler codec.Unmarshaler = codec.JSON
	if messageType == websocket.BinaryMessage && len(data) > 0 && data[0] != '{' {
		unmarshaler = codec.CBOR
	}

	var msg models.Message
	if err := unmarshaler.Unmarshal(data, &msg); err != nil {
		return 0, err
	}
	switch msg.Type {
	case constants.MessageTypeSetTabCount, setTabCountAlias:
	default:
		return 0, fmt.Errorf("%w: %q", constants.ErrUnknownMessage, msg.Type)
	}
	if msg.Count == nil || *msg.Count < 0 {
		return 0, fmt.Errorf("%w: missing or negative count", constants.ErrUnknownMessage)
	}
	return *msg.Count, nil
}
