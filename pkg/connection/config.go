package connection

import (
	"log/slog"
	"os"
	"time"

	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
)

// NewConfig creates a transport Config with the default timeouts and a text logger on stdout.
// It is not absolutely necessary to create a Config using this function,
// but zero timeouts and a nil logger are not valid.
func NewConfig() *Config {
	return &Config{
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		WriteTimeout:     constants.DefaultWriteTimeout,
		OutboxSize:       constants.OutboxSize,
		Logger:           logger.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

type Config struct {
	// Binary makes the transport write binary frames instead of text frames.
	Binary bool

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// OutboxSize is the number of frames queued per handle before Send starts dropping.
	OutboxSize int

	Logger logger.Logger
}
