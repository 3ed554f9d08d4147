package tabcounter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tabcounter/tabcounter.go/internal/codec"
	"github.com/tabcounter/tabcounter.go/pkg/connection"
	"github.com/tabcounter/tabcounter.go/pkg/connection/gorillaws"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/metrics"
	"github.com/tabcounter/tabcounter.go/pkg/prefs"
	"github.com/tabcounter/tabcounter.go/pkg/rews"
	"github.com/tabcounter/tabcounter.go/pkg/state"
)

// Config configures an Agent.
type Config struct {
	// PrefsPath is the TOML preferences file. Empty keeps preferences in memory.
	PrefsPath string

	// PushInterval is how often the count is re-sent while connected.
	// Zero disables the periodic push.
	PushInterval time.Duration

	// Backoff names the reconnect policy: linear, fixed or exponential.
	Backoff string

	// WireFormat is json or cbor.
	WireFormat string

	// MetricsAddr is where /metrics is served. Empty disables the server,
	// the metrics are still collected.
	MetricsAddr string

	Logger logger.Logger

	// Transport overrides the WebSocket transport, mostly for tests.
	Transport connection.Transport
}

func DefaultConfig() Config {
	return Config{
		PushInterval: constants.DefaultPushInterval,
		Backoff:      rews.BackoffLinear,
		WireFormat:   codec.FormatJSON,
		Logger:       logger.Discard(),
	}
}

// Agent keeps the relay informed of the number of open tabs.
type Agent struct {
	conf    Config
	prefs   *prefs.Store
	state   *state.Store
	metrics *metrics.Metrics
	manager *rews.Manager
	server  *metrics.Server

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New validates conf and builds the Agent. Nothing connects until Start.
func New(conf Config) (*Agent, error) {
	if conf.Logger == nil {
		conf.Logger = logger.Discard()
	}

	newRetryer, err := rews.ParseRetryer(conf.Backoff)
	if err != nil {
		return nil, err
	}
	wire, err := codec.ByName(conf.WireFormat)
	if err != nil {
		return nil, err
	}

	transport := conf.Transport
	if transport == nil {
		transportConf := connection.NewConfig()
		transportConf.Binary = wire.Binary()
		transportConf.Logger = conf.Logger
		transport = gorillaws.New(transportConf)
	}

	a := &Agent{
		conf:    conf,
		prefs:   prefs.New(conf.PrefsPath, conf.Logger),
		state:   state.NewStore(),
		metrics: metrics.New(),
	}
	a.manager = rews.NewManager(transport,
		rews.WithLogger(conf.Logger),
		rews.WithMarshaler(wire),
		rews.WithRetryer(newRetryer),
		rews.WithObserver(a.metrics),
		rews.WithMetricSource(a.state),
		rews.WithEndpointSource(a.prefs),
	)
	if conf.MetricsAddr != "" {
		a.server = metrics.NewServer(conf.MetricsAddr, a.metrics, conf.Logger)
	}
	return a, nil
}

func (a *Agent) Prefs() *prefs.Store       { return a.prefs }
func (a *Agent) State() *state.Store       { return a.state }
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }
func (a *Agent) Manager() *rews.Manager    { return a.manager }

// Start loads the preferences and connects to the relay.
// The periodic push and the preferences watch stop when ctx is done.
// Close disconnects.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return constants.ErrClosed
	}
	if a.started {
		return constants.ErrAgentStarted
	}

	if err := a.prefs.Load(); err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := a.prefs.Watch(ctx); err != nil {
		// Not fatal: Set still reaches the Manager.
		a.conf.Logger.Warn("preferences will not be reloaded on change", "error", err)
	}

	a.manager.OnConnectivityChange(a.state.SetSocketConnected)
	a.unsubscribe = a.state.Subscribe(a.stateUpdated)

	a.manager.Initialize(a.prefs.Current())

	a.started = true
	a.cancel = cancel

	if a.conf.PushInterval > 0 {
		a.wg.Add(1)
		go a.pushLoop(ctx)
	}
	return nil
}

func (a *Agent) stateUpdated(prev, next state.State) {
	if prev.OpenTabs != next.OpenTabs {
		// Listeners of concurrent updates may run in any order,
		// so always send the latest count rather than next.
		count := a.state.Current()
		a.metrics.SetOpenTabs(count)
		a.manager.Send(count)
	}
	if prev.SocketConnected != next.SocketConnected {
		a.conf.Logger.Debug("relay connectivity changed", "connected", next.SocketConnected)
	}
}

func (a *Agent) pushLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.conf.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.manager.IsConnected() {
				a.conf.Logger.Debug("skipping periodic push, relay not connected")
				continue
			}
			a.manager.Send(a.state.Current())
		}
	}
}

// Close disconnects from the relay and stops every background task.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	unsubscribe := a.unsubscribe
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.manager.Close()
	if unsubscribe != nil {
		unsubscribe()
	}

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultHandshakeTimeout)
		defer cancel()
		return a.server.Stop(ctx)
	}
	return nil
}
