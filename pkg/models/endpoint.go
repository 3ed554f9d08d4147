package models

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/tabcounter/tabcounter.go/pkg/constants"
)

// Endpoint identifies a relay the agent can connect to.
//
// Two endpoints are the same relay iff both fields match.
// Credential takes part in equality only; it is never sent on the wire.
type Endpoint struct {
	// Address is host:port.
	Address    string
	Credential string
}

// NewEndpoint returns the loopback endpoint for the given port.
func NewEndpoint(port int, credential string) Endpoint {
	return Endpoint{
		Address:    net.JoinHostPort(constants.DefaultHost, strconv.Itoa(port)),
		Credential: credential,
	}
}

func (e Endpoint) Equal(other Endpoint) bool {
	return e == other
}

func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// URL renders the WebSocket URL of the relay, e.g. ws://127.0.0.1:7212/.
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: constants.WebsocketScheme,
		Host:   e.Address,
		Path:   "/",
	}
	return u.String()
}

// String omits the credential so endpoints can be logged.
func (e Endpoint) String() string {
	if e.Credential == "" {
		return e.Address
	}
	return fmt.Sprintf("%s (with secret)", e.Address)
}
