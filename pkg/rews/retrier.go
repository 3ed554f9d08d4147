package rews

import (
	"sync"
	"time"

	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// RetrierHooks connect a Retrier to its owner.
//
// Hooks are always invoked with no Retrier lock held.
type RetrierHooks struct {
	// ShouldRetry is consulted on every tick. Returning false skips the tick.
	ShouldRetry func() bool
	// ShouldAbort is consulted on every tick before ShouldRetry.
	// Returning true stops the Retrier and invokes OnStop.
	ShouldAbort func() bool
	// OnStop is invoked when the Retrier stops on its own, either because
	// an attempt succeeded or because it gave up. It is not invoked by Stop.
	OnStop func()
	// OnOpen receives the successful connection on a fresh goroutine, after OnStop.
	// Until the receiver claims it with takeHandoff, Stop still closes it.
	OnOpen func(c *connection.Connection)

	// OnClose and OnMessage receive the later events of connections
	// handed over through OnOpen.
	OnClose   func(c *connection.Connection, err error)
	OnMessage func(c *connection.Connection, payload []byte)
}

// Retrier repeatedly opens connections to one endpoint until one succeeds,
// it is told to abort, or it is stopped.
//
// At most one attempt is in flight at a time. Ticks that fire while an
// attempt is still dialing are skipped. The wait between ticks follows
// the Retryer and is reset whenever the Retrier stops.
type Retrier struct {
	transport connection.Transport
	retryer   Retryer
	logger    logger.Logger
	observer  Observer

	mu       sync.Mutex
	running  bool
	endpoint models.Endpoint
	hooks    RetrierHooks
	failures int
	wait     time.Duration
	inFlight *connection.Connection
	// handoff is the successful connection not yet claimed by the owner.
	handoff *connection.Connection

	// stopCh is closed when the current run stops.
	// Ticks compare it against the channel they were started with
	// so that a tick of a previous run can never act on a later one.
	stopCh chan struct{}
}

func NewRetrier(transport connection.Transport, retryer Retryer, log logger.Logger, observer Observer) *Retrier {
	if retryer == nil {
		retryer = NewLinearBackoffRetryer()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	r := &Retrier{
		transport: transport,
		retryer:   retryer,
		logger:    log,
		observer:  observer,
	}
	r.resetWaitLocked()
	return r
}

// Start begins the timer loop for endpoint. It returns constants.ErrRetrierRunning,
// leaving the running loop untouched, if the Retrier is already running.
func (r *Retrier) Start(endpoint models.Endpoint, hooks RetrierHooks) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.logger.Warn("retrier already running", "endpoint", r.endpoint.String())
		return constants.ErrRetrierRunning
	}

	r.running = true
	r.endpoint = endpoint
	r.hooks = hooks
	r.stopCh = make(chan struct{})

	r.logger.Debug("retrier started", "endpoint", endpoint.String(), "wait", r.wait)

	go r.loop(r.stopCh)

	return nil
}

// Stop is idempotent and safe from any state. It resets the wait,
// ends the timer loop and closes any attempt still in flight,
// including a successful one its owner has not claimed yet.
// OnStop is not invoked.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.logger.Debug("retrier stopped", "endpoint", r.endpoint.String())
	}
	r.stopLocked()
}

func (r *Retrier) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Retrier) Endpoint() models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

// Wait is the delay before the next tick.
func (r *Retrier) Wait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wait
}

func (r *Retrier) stopLocked() {
	r.resetWaitLocked()

	if r.running {
		r.running = false
		close(r.stopCh)
	}

	if r.inFlight != nil {
		r.inFlight.Close()
		r.inFlight = nil
	}
	if r.handoff != nil {
		r.handoff.Close()
		r.handoff = nil
	}
}

// takeHandoff transfers ownership of c to the caller.
// It fails if c was not handed off by r, or was closed by Stop in the meantime.
func (r *Retrier) takeHandoff(c *connection.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handoff != c {
		return false
	}
	r.handoff = nil
	return true
}

func (r *Retrier) handingOff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handoff != nil
}

func (r *Retrier) resetWaitLocked() {
	r.failures = 0
	r.retryer.Reset()
	wait, ok := r.retryer.NextDelay(0, nil)
	if !ok || wait <= 0 {
		wait = constants.DefaultWait
	}
	r.wait = wait
}

func (r *Retrier) loop(stopCh chan struct{}) {
	for {
		r.mu.Lock()
		wait := r.wait
		r.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(wait):
		}

		r.tick(stopCh)
	}
}

func (r *Retrier) tick(stopCh chan struct{}) {
	r.mu.Lock()
	if stopCh != r.stopCh || !r.running {
		r.mu.Unlock()
		return
	}
	hooks := r.hooks
	r.mu.Unlock()

	if hooks.ShouldAbort != nil && hooks.ShouldAbort() {
		if r.stopRun(stopCh) {
			r.logger.Debug("retrier aborted")
			if hooks.OnStop != nil {
				hooks.OnStop()
			}
		}
		return
	}

	if hooks.ShouldRetry != nil && !hooks.ShouldRetry() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stopCh != r.stopCh || !r.running || r.inFlight != nil {
		return
	}

	r.observer.ConnectionAttempt(OriginRetrier)
	r.logger.Debug("retrier attempting connection", "endpoint", r.endpoint.String(), "failures", r.failures)

	// Transports never call back synchronously, so the handlers below
	// cannot run before inFlight is set.
	r.inFlight = connection.New(r.transport, r.endpoint, r.attemptHandlers(hooks), r.logger)
}

// stopRun stops the Retrier if it is still on the run identified by stopCh.
func (r *Retrier) stopRun(stopCh chan struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stopCh != r.stopCh || !r.running {
		return false
	}
	r.stopLocked()
	return true
}

func (r *Retrier) attemptHandlers(hooks RetrierHooks) connection.Handlers {
	return connection.Handlers{
		OnOpen: func(c *connection.Connection) {
			r.mu.Lock()
			if !r.running || c != r.inFlight {
				r.mu.Unlock()
				c.Close()
				return
			}
			r.inFlight = nil
			r.stopLocked()
			r.handoff = c
			r.mu.Unlock()

			r.logger.Debug("retrier connected", "conn_id", c.ID())

			if hooks.OnStop != nil {
				hooks.OnStop()
			}
			if hooks.OnOpen == nil {
				r.Stop()
				return
			}
			go hooks.OnOpen(c)
		},
		OnError: func(c *connection.Connection, err error) {
			r.mu.Lock()
			if !r.running || c != r.inFlight {
				r.mu.Unlock()
				return
			}
			r.inFlight = nil
			r.failures++

			wait, ok := r.retryer.NextDelay(r.failures, err)
			if ok {
				r.wait = wait
				r.mu.Unlock()
				r.logger.Warn("retrier attempt failed", "error", err, "next_wait", wait)
				return
			}

			failures := r.failures
			r.stopLocked()
			r.mu.Unlock()

			r.logger.Warn("retrier giving up", "error", err, "failures", failures)
			if hooks.OnStop != nil {
				hooks.OnStop()
			}
		},
		OnClose: func(c *connection.Connection, err error) {
			if hooks.OnClose != nil {
				hooks.OnClose(c, err)
			}
		},
		OnMessage: func(c *connection.Connection, payload []byte) {
			if hooks.OnMessage != nil {
				hooks.OnMessage(c, payload)
			}
		},
	}
}
