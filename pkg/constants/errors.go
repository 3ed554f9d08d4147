package constants

import "errors"

// Errors
var (
	ErrNotConnected     = errors.New("no active connection")
	ErrClosed           = errors.New("connection closed")
	ErrRetrierRunning   = errors.New("retrier already running")
	ErrManagerClosed    = errors.New("manager closed")
	ErrNoTransport      = errors.New("transport is not set")
	ErrNoMarshaler      = errors.New("marshaler is not set")
	ErrOutboxFull       = errors.New("outbox full")
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrUnknownBackoff   = errors.New("unknown backoff policy")
	ErrUnknownFormat    = errors.New("unknown wire format")
	ErrUnknownLogFormat = errors.New("unknown log format")
	ErrAgentStarted     = errors.New("agent already started")
)
