// Package logger builds the process-wide slog logger: structured JSON on
// disk, human-readable lines on the console.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// New opens dir/file for appending and returns a logger that writes JSON
// records there and colored one-liners to console. Each process passes
// its own file name so serve and worker logs stay apart.
func New(console io.Writer, dir, file string) (*slog.Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return slog.New(fanout{
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
		newConsoleHandler(console, slog.LevelInfo),
	}), nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[37m"
)

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiGray
	}
}

// consoleHandler renders one line per record: LEVL [15:04:05] message k=v.
// It filters below min so the console stays readable while the file side
// keeps everything.
type consoleHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	min   slog.Level
	bound []slog.Attr
}

func newConsoleHandler(out io.Writer, min slog.Level) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, min: min}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s%s [%s] %s",
		levelColor(r.Level), r.Level.String()[:4], ansiReset,
		r.Time.Format(time.TimeOnly), r.Message)
	for _, a := range h.bound {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	fmt.Fprintf(b, " %s%s=%v%s", ansiCyan, a.Key, a.Value.Any(), ansiReset)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.bound = append(append([]slog.Attr(nil), h.bound...), attrs...)
	return &clone
}

// WithGroup is a no-op; nothing in this codebase logs through groups.
func (h *consoleHandler) WithGroup(string) slog.Handler {
	return h
}

// fanout sends each record to every handler that wants it; one failing
// sink never silences the others.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r)
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
