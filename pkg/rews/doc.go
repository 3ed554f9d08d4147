// Package rews keeps a single, self-healing WebSocket connection to a tab counter relay.
//
// The main component is Manager, which owns at most one connection and at most one
// Retrier at any time, and adds:
//   - Automatic reconnection with bounded backoff when the connection fails or closes
//   - Live reconfiguration to a new endpoint, safe while a dial or a retry loop is in flight
//   - Dropping, rather than queueing, values sent while disconnected
//   - A re-push of the current value whenever the relay sends anything
//
// Basic usage:
//
//	conf := connection.NewConfig()
//	m := rews.NewManager(
//	    gorillaws.New(conf),
//	    rews.WithLogger(log),
//	    rews.WithMetricSource(tabs),
//	    rews.WithEndpointSource(prefs),
//	)
//	defer m.Close()
//
//	m.OnConnectivityChange(func(connected bool) {
//	    // update the UI
//	})
//	m.Initialize(models.NewEndpoint(7212, ""))
//
//	m.Send(tabs.Current())
//
// The package includes several built-in retry strategies:
//   - LinearBackoffRetryer: 1s, 2s, 3s and so on, capped at 30s (the default)
//   - FixedDelayRetryer: Fixed delay between retries
//   - ExponentialBackoffRetryer: Exponential backoff with jitter
//
// Custom retry strategies can be implemented by satisfying the [Retryer] interface.
package rews
