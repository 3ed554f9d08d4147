package rews

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tabcounter/tabcounter.go/pkg/logger"
)

// notifier delivers connectivity changes to subscribers in the order they
// were queued, on a single goroutine that never holds the Manager's lock.
type notifier struct {
	logger logger.Logger

	mu        sync.Mutex
	queue     []bool
	listeners []func(bool)
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier(log logger.Logger) *notifier {
	n := &notifier{
		logger: log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(fn func(bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// notify never blocks.
func (n *notifier) notify(connected bool) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, connected)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// close lets the queued notifications drain, then ends the dispatcher.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
}

func (n *notifier) run() {
	for {
		select {
		case <-n.wake:
		case <-n.done:
		}

		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return
				}
				break
			}
			connected := n.queue[0]
			n.queue = n.queue[1:]
			listeners := slices.Clone(n.listeners)
			n.mu.Unlock()

			for _, fn := range listeners {
				n.deliver(fn, connected)
			}
		}
	}
}

func (n *notifier) deliver(fn func(bool), connected bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error(fmt.Sprintf("connectivity listener panicked: %v", r))
		}
	}()
	fn(connected)
}
