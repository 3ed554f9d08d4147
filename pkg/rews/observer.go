package rews

import "github.com/tabcounter/tabcounter.go/pkg/models"

// Attempt origins reported to Observer.ConnectionAttempt.
const (
	OriginManager = "manager"
	OriginRetrier = "retrier"
)

// Reconfiguration results reported to Observer.Reconfigured.
const (
	ReconfigureUnchanged = "unchanged"
	ReconfigureRetrying  = "retrying"
	ReconfigureApplied   = "applied"
)

// Observer is notified of engine activity, typically to export metrics.
// Methods may be called with engine locks held and must not call back into the Manager.
type Observer interface {
	StateChanged(state State)
	ConnectionAttempt(origin string)
	Reconfigured(result string)
	MessageSent()
	MessageDropped()
	RetrierStarted()
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)       {}
func (nopObserver) ConnectionAttempt(string) {}
func (nopObserver) Reconfigured(string)      {}
func (nopObserver) MessageSent()             {}
func (nopObserver) MessageDropped()          {}
func (nopObserver) RetrierStarted()          {}

// EndpointSource delivers endpoint changes to the Manager.
//
// Subscribe must not invoke fn synchronously.
// The returned function cancels the subscription.
// Current returns the latest endpoint, including changes published
// before Subscribe returned.
type EndpointSource interface {
	Subscribe(fn func(models.Endpoint)) (unsubscribe func())
	Current() models.Endpoint
}

// MetricSource provides the value pushed to the relay.
type MetricSource interface {
	Current() int
}

// MetricFunc adapts a plain function to MetricSource.
type MetricFunc func() int

func (f MetricFunc) Current() int { return f() }
