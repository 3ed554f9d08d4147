// Package cli holds what the tabagent and tabrelay commands share.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/logger/zerolog"
)

const (
	LogFormatText    = "text"
	LogFormatJSON    = "json"
	LogFormatZerolog = "zerolog"
)

// NewLogger builds the logger selected by --log-format and --log-level.
// The returned close function must be called before exiting.
func NewLogger(w io.Writer, format, level string) (logger.Logger, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(format) {
	case "", LogFormatText:
		opts := &slog.HandlerOptions{Level: slogLevel(level)}
		return logger.New(slog.NewTextHandler(w, opts)), noop, nil
	case LogFormatJSON:
		opts := &slog.HandlerOptions{Level: slogLevel(level)}
		return logger.New(slog.NewJSONHandler(w, opts)), noop, nil
	case LogFormatZerolog:
		l, err := zerolog.New().FromBuffer(w).Level(level).Make()
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", constants.ErrUnknownLogFormat, format)
	}
}

func slogLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
