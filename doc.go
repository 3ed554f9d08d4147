// The [tabcounter] package runs the agent that keeps a local relay informed
// of how many browser tabs are open.
//
// # Agent
//
// An [Agent] holds one WebSocket connection to the relay at ws://127.0.0.1:<port>/
// and sends {"type":"set_tab_count","count":N} whenever the count changes,
// when the connection comes up, when the relay asks for it, and periodically
// while connected. The port and secret come from a preferences file that can be
// edited while the agent runs, see [github.com/tabcounter/tabcounter.go/pkg/prefs].
//
// # Connection Engine
//
// Reconnection is handled by [github.com/tabcounter/tabcounter.go/pkg/rews]:
// when the connection drops or cannot be opened, a background Retrier keeps
// dialing with a backoff until it succeeds or the endpoint changes.
//
// # Relay
//
// The relay side lives in [github.com/tabcounter/tabcounter.go/pkg/relay] and is
// served by the tabrelay command. The tabagent command reads counts from stdin.
package tabcounter
