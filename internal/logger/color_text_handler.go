package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler renders records as an ANSI-colored level name followed by
// the message and the key=value attributes produced by slog.TextHandler.
type ColorTextHandler struct {
	inner    *slog.TextHandler
	buf      *bytes.Buffer
	mu       *sync.Mutex
	w        io.Writer
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. The level attribute is
// folded into the colored prefix, and the time attribute is dropped unless
// showTime is set.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	prev := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.LevelKey, slog.MessageKey:
				return slog.Attr{}
			case slog.TimeKey:
				if !showTime {
					return slog.Attr{}
				}
			}
		}
		if prev != nil {
			return prev(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		inner:    slog.NewTextHandler(buf, &o),
		buf:      buf,
		mu:       &sync.Mutex{},
		w:        w,
		showTime: showTime,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m" // Cyan
	case l < slog.LevelWarn:
		return "\033[32m" // Green
	case l < slog.LevelError:
		return "\033[33m" // Yellow
	default:
		return "\033[31m" // Red
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	rest := bytes.TrimLeft(h.buf.Bytes(), " ")

	var line bytes.Buffer
	line.WriteString(levelColor(r.Level))
	line.WriteString(r.Level.String())
	line.WriteString("\033[0m  ")
	line.WriteString(r.Message)
	if len(bytes.TrimSpace(rest)) > 0 {
		line.WriteByte(' ')
		line.Write(rest)
	} else {
		line.WriteByte('\n')
	}
	_, err := h.w.Write(line.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs).(*slog.TextHandler)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name).(*slog.TextHandler)
	return &c
}
