package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogHandler is a slog.Handler printing "[index] LEVEL: message k=v, ..."
// without timestamps, so example output stays deterministic.
type LogHandler struct {
	out         io.Writer
	mu          *sync.Mutex
	index       *int
	attrs       []slog.Attr
	ignoreDebug bool
	ignoreKeys  map[string]bool
}

type LogHandlerOption func(*LogHandler)

// WithIgnoreDebug drops DEBUG records.
func WithIgnoreDebug() LogHandlerOption {
	return func(h *LogHandler) { h.ignoreDebug = true }
}

// WithIgnoreKeys omits the named attributes, typically run ids and durations.
func WithIgnoreKeys(keys ...string) LogHandlerOption {
	return func(h *LogHandler) {
		for _, k := range keys {
			h.ignoreKeys[k] = true
		}
	}
}

// WithOutput writes to w instead of stdout.
func WithOutput(w io.Writer) LogHandlerOption {
	return func(h *LogHandler) { h.out = w }
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{
		out:        os.Stdout,
		mu:         &sync.Mutex{},
		index:      new(int),
		ignoreKeys: make(map[string]bool),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return !(h.ignoreDebug && level == slog.LevelDebug)
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	var parts []string
	add := func(a slog.Attr) bool {
		if !h.ignoreKeys[a.Key] {
			parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)

	h.mu.Lock()
	defer h.mu.Unlock()
	line := fmt.Sprintf("[%d] %s: %s", *h.index, r.Level, r.Message)
	if len(parts) > 0 {
		line += " " + strings.Join(parts, ", ")
	}
	*h.index++
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &c
}

// WithGroup is not supported; attributes stay flat.
func (h *LogHandler) WithGroup(string) slog.Handler {
	return h
}
