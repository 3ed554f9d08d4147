// Package mock provides a scripted in-memory connection.Transport for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// ErrRefused is the error scripted dials fail with by default.
var ErrRefused = errors.New("mock: connection refused")

type handleState int

const (
	stateDialing handleState = iota
	stateOpen
	stateClosed
	stateFailed
)

// Transport records every handle it opens.
//
// By default handles stay dialing until the test drives them with
// Handle.Open or Handle.Fail. When Dial is set, each Open is resolved
// on its own goroutine: a nil result opens the handle, an error fails it.
type Transport struct {
	Dial func(endpoint models.Endpoint) error

	mu      sync.Mutex
	handles []*Handle
}

var _ connection.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Open(ctx context.Context, endpoint models.Endpoint, events connection.Events) connection.Handle {
	h := &Handle{Endpoint: endpoint, events: events}

	t.mu.Lock()
	t.handles = append(t.handles, h)
	dial := t.Dial
	t.mu.Unlock()

	if dial != nil {
		go func() {
			if err := dial(endpoint); err != nil {
				h.Fail(err)
				return
			}
			h.Open()
		}()
	}

	return h
}

// SetDial replaces the dial script for subsequent Opens.
func (t *Transport) SetDial(dial func(endpoint models.Endpoint) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Dial = dial
}

func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (t *Transport) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Handle(nil), t.handles...)
}

// Last returns the most recently opened handle, or nil.
func (t *Transport) Last() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.handles) == 0 {
		return nil
	}
	return t.handles[len(t.handles)-1]
}

// OpenHandles counts handles that are currently open.
func (t *Transport) OpenHandles() int {
	n := 0
	for _, h := range t.Handles() {
		if h.IsOpen() {
			n++
		}
	}
	return n
}

// Live counts handles that are dialing or open.
func (t *Transport) Live() int {
	n := 0
	for _, h := range t.Handles() {
		h.mu.Lock()
		if h.state == stateDialing || h.state == stateOpen {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

type Handle struct {
	Endpoint models.Endpoint

	events connection.Events

	mu     sync.Mutex
	state  handleState
	sent   [][]byte
	closes int
}

var _ connection.Handle = (*Handle)(nil)

// Open completes the dial successfully.
func (h *Handle) Open() {
	if !h.transition(stateDialing, stateOpen) {
		return
	}
	if h.events.OnOpen != nil {
		h.events.OnOpen()
	}
}

// Fail completes the dial with err.
func (h *Handle) Fail(err error) {
	if !h.transition(stateDialing, stateFailed) {
		return
	}
	if h.events.OnError != nil {
		h.events.OnError(err)
	}
}

// Drop closes an open handle from the remote side.
func (h *Handle) Drop(err error) {
	if !h.transition(stateOpen, stateClosed) {
		return
	}
	if h.events.OnClose != nil {
		h.events.OnClose(err)
	}
}

// Receive delivers an inbound frame on an open handle.
func (h *Handle) Receive(payload []byte) {
	if !h.IsOpen() {
		return
	}
	if h.events.OnMessage != nil {
		h.events.OnMessage(payload)
	}
}

func (h *Handle) Send(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateOpen {
		return
	}
	h.sent = append(h.sent, append([]byte(nil), payload...))
}

func (h *Handle) Close() {
	h.mu.Lock()
	h.closes++
	prev := h.state
	if prev == stateDialing || prev == stateOpen {
		h.state = stateClosed
	}
	h.mu.Unlock()

	switch prev {
	case stateOpen:
		if h.events.OnClose != nil {
			go h.events.OnClose(nil)
		}
	case stateDialing:
		if h.events.OnError != nil {
			go h.events.OnError(context.Canceled)
		}
	}
}

func (h *Handle) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateOpen
}

func (h *Handle) IsDialing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateDialing
}

func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateClosed || h.state == stateFailed
}

// CloseCalls reports how often Close was called on the handle.
func (h *Handle) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *Handle) transition(from, to handleState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}
