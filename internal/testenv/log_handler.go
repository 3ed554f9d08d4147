// Package testenv holds helpers shared by tests across packages.
package testenv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LogHandler is a slog.Handler that records "LEVEL: message attrs" lines,
// without timestamps, so tests can assert on what was logged.
// It is safe for concurrent use.
type LogHandler struct {
	rec   *recording
	attrs []slog.Attr

	ignoreDebug bool
}

type recording struct {
	mu    sync.Mutex
	lines []string
}

type LogHandlerOption func(*LogHandler)

// WithIgnoreDebug configures the handler to ignore DEBUG level messages
func WithIgnoreDebug() LogHandlerOption {
	return func(h *LogHandler) {
		h.ignoreDebug = true
	}
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{rec: &recording{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", r.Level, r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	})

	h.rec.mu.Lock()
	h.rec.lines = append(h.rec.lines, sb.String())
	h.rec.mu.Unlock()
	return nil
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return !(h.ignoreDebug && level == slog.LevelDebug)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		rec:         h.rec,
		attrs:       append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		ignoreDebug: h.ignoreDebug,
	}
}

// WithGroup is not needed by the code under test; groups are flattened.
func (h *LogHandler) WithGroup(string) slog.Handler {
	return h
}

// Lines returns a copy of everything recorded so far.
func (h *LogHandler) Lines() []string {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return append([]string(nil), h.rec.lines...)
}

// Count returns the number of recorded lines at level whose message contains substr.
func (h *LogHandler) Count(level slog.Level, substr string) int {
	prefix := level.String() + ": "
	n := 0
	for _, line := range h.Lines() {
		if strings.HasPrefix(line, prefix) && strings.Contains(line, substr) {
			n++
		}
	}
	return n
}
