package constants

import "time"

const (
	// DefaultPort is the port the relay listens on unless told otherwise.
	DefaultPort = 7212
	// DefaultHost is the only host the agent ever talks to.
	DefaultHost = "127.0.0.1"
	// DefaultSecret is the credential used before the user sets one.
	DefaultSecret = ""

	// CloseMessageCode is the WebSocket close code sent on a deliberate close.
	CloseMessageCode = 1000

	// DefaultWait is the initial delay between reconnection attempts.
	DefaultWait = 1 * time.Second
	// MaxWait caps the delay between reconnection attempts.
	MaxWait = 30 * time.Second
	// WaitStep is added to the delay after each failed reconnection attempt.
	WaitStep = 1 * time.Second

	// DefaultPushInterval is how often the current tab count is re-sent
	// regardless of changes.
	DefaultPushInterval = 60 * time.Second

	// DefaultHandshakeTimeout bounds a single dial attempt.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
	// OutboxSize is the number of frames a transport will queue before dropping.
	OutboxSize = 16
)

const (
	WebsocketScheme = "ws"

	// MessageTypeSetTabCount is the only outbound message type.
	MessageTypeSetTabCount = "set_tab_count"
	// MessageTypeRequestTabCount is what the relay sends to ask for a re-push.
	MessageTypeRequestTabCount = "request_tab_count"
)
