package models

import (
	"fmt"

	"github.com/tabcounter/tabcounter.go/pkg/constants"
)

// Preferences are the user-editable relay settings.
type Preferences struct {
	Port   int    `koanf:"port" json:"port"`
	Secret string `koanf:"secret" json:"secret"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		Port:   constants.DefaultPort,
		Secret: constants.DefaultSecret,
	}
}

func (p Preferences) Validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: %d", constants.ErrInvalidPort, p.Port)
	}
	return nil
}

func (p Preferences) Endpoint() Endpoint {
	return NewEndpoint(p.Port, p.Secret)
}
