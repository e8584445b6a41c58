package client

import (
	"context"
	"log/slog"
	"os"
)

// LogRecord is what the host's log callback receives: a pre-rendered
// message plus the structured attributes slog collected, so the host
// doesn't need to link against slog itself (spec §4.8's set_log_callback
// "structured log sink").
type LogRecord struct {
	Level   slog.Level
	Source  string // the most recent WithGroup name on the logger, empty if none
	Message string
	Attrs   map[string]any
}

// hostHandler adapts slog.Handler to the host-facing log callback
// contract: every record is forwarded as a LogRecord instead of being
// formatted to a stream. This is the "variadic logging formatter"
// redesign spec §9 calls for, replacing module-level fmt.Printf calls
// (cmd/tor-client/main.go's fmt.Println-laced main) with one log sink a
// host can hook however it likes.
type hostHandler struct {
	fn    func(LogRecord)
	attrs []slog.Attr
	group string
}

// newHostHandler builds an slog.Handler that forwards to fn. If fn is
// nil, SetLogCallback falls back to a text handler over stderr instead.
func newHostHandler(fn func(LogRecord)) slog.Handler {
	return &hostHandler{fn: fn}
}

func (h *hostHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *hostHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	source := h.group
	h.fn(LogRecord{
		Level:   r.Level,
		Source:  source,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *hostHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *hostHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}

// SetLogCallback registers the host's structured log sink (spec §4.8's
// set_log_callback). Passing nil reverts to a text handler over stderr.
func (c *Client) SetLogCallback(fn func(LogRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
		return
	}
	c.logger = slog.New(newHostHandler(fn))
}
