package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// ColorTextHandler implements slog.Handler with colored text output
type ColorTextHandler struct {
	opts     *slog.HandlerOptions
	w        io.Writer
	mu       *sync.Mutex
	attrs    []slog.Attr
	useColor bool
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *ColorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}

	return &ColorTextHandler{
		opts:     opts,
		w:        w,
		mu:       &sync.Mutex{},
		useColor: useColor,
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *ColorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes a log record
func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	levelStr := h.formatLevel(r.Level)

	// Build the line in a local buffer; only the write takes the lock.
	var buf []byte
	buf = fmt.Appendf(buf, "[%s] [%s] %s", timestamp, levelStr, r.Message)

	for _, attr := range h.attrs {
		buf = h.appendAttr(buf, attr)
	}

	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})

	buf = append(buf, '\n')

	h.mu.Lock()
	_, err := h.w.Write(buf)
	h.mu.Unlock()
	return err
}

func (h *ColorTextHandler) formatLevel(level slog.Level) string {
	var levelStr string
	var color string

	switch {
	case level < slog.LevelInfo:
		levelStr = "DEBUG"
		color = colorGray
	case level < slog.LevelWarn:
		levelStr = "INFO"
		color = colorGreen
	case level < slog.LevelError:
		levelStr = "WARN"
		color = colorYellow
	default:
		levelStr = "ERROR"
		color = colorRed
	}

	if h.useColor {
		return color + levelStr + colorReset
	}
	return levelStr
}

func (h *ColorTextHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}

	a.Value = a.Value.Resolve()

	key := a.Key
	val := formatValue(a.Value)

	if h.useColor {
		buf = fmt.Appendf(buf, " %s%s%s=%s", colorCyan, key, colorReset, val)
	} else {
		buf = fmt.Appendf(buf, " %s=%s", key, val)
	}

	return buf
}

// formatValue renders a slog.Value for text output. String values
// containing whitespace are quoted: log lines here routinely carry raw
// syslog fragments and parse errors, and unquoted they become
// unparseable.
func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return maybeQuote(v.String())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		return maybeQuote(fmt.Sprintf("%v", v.Any()))
	default:
		return maybeQuote(v.String())
	}
}

func maybeQuote(s string) string {
	if strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}
	return s
}

// WithAttrs returns a new handler with additional attrs
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{
		opts:     h.opts,
		w:        h.w,
		mu:       h.mu, // share the writer lock with the parent
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
		useColor: h.useColor,
	}
}

// WithGroup returns a new handler with a group name. Groups are not
// rendered specially in text output; the handler satisfies the
// interface and keys stay flat.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return h
}
