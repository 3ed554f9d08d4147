// Package connection defines the transport abstraction the reconnecting
// engine is built on, and the Connection that owns a single transport attempt.
package connection

import (
	"context"

	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// Events are the callbacks a Transport reports a single attempt through.
//
// Exactly one of OnOpen or OnError fires for every Open.
// OnClose fires at most once, and only after OnOpen.
// OnMessage fires only between OnOpen and OnClose.
// None of them is ever invoked synchronously from Open, Send or Close.
type Events struct {
	OnOpen func()
	// OnClose receives nil when the handle was closed locally.
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(payload []byte)
}

// Handle is one physical connection attempt.
type Handle interface {
	// Send queues payload for writing. It never blocks and never panics.
	// Frames sent on a handle that is not open are logged and dropped.
	Send(payload []byte)
	// Close is idempotent.
	Close()
}

// Transport opens handles to relay endpoints.
type Transport interface {
	Open(ctx context.Context, endpoint models.Endpoint, events Events) Handle
}
