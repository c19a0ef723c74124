package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// SanitizingHandler redacts message text and string attribute values
// before the wrapped handler sees the record. Every sink in this engine
// (console, log file) sits behind one of these: agent stderr, git errors,
// and verifier output all flow into log fields, and none of them can be
// trusted not to carry a credential.
type SanitizingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

// NewSanitizingHandler wraps next with redaction.
func NewSanitizingHandler(next slog.Handler, sanitizer *Sanitizer) *SanitizingHandler {
	return &SanitizingHandler{next: next, sanitizer: sanitizer}
}

// Enabled defers to the wrapped handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle rebuilds the record with redacted message and attrs, then hands
// it on.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

// WithAttrs redacts preset attrs once, at attachment time, so repeated
// records don't re-scan them.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redact(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean), sanitizer: h.sanitizer}
}

// WithGroup opens the group on the wrapped handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), sanitizer: h.sanitizer}
}

// redact rewrites string values and recurses into groups; non-string
// kinds (ints, durations, times) cannot carry a credential and pass
// through untouched.
func (h *SanitizingHandler) redact(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.sanitizer.Sanitize(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = h.redact(m)
		}
		a.Value = slog.GroupValue(clean...)
	}
	return a
}

// multiHandler fans one record out to several handlers (console + log
// file); a record is delivered to every handler enabled at its level.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

// Enabled reports whether any underlying handler accepts the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every enabled handler, returning the first
// error encountered after trying all of them.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs returns a multiHandler whose children all carry the attrs.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

// WithGroup returns a multiHandler whose children all open the group.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

// PrettyHandler renders one compact console line per record
// ("15:04:05 INF merge complete task_id=T1"), colorized when the sink is a
// real terminal.
type PrettyHandler struct {
	mu     sync.Mutex
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
	colors *levelColors
}

// levelColors holds one fatih/color.Color per level plus the attribute
// color, pre-built once so Handle doesn't allocate a SprintFunc per line.
type levelColors struct {
	debug, info, warn, err, attrKey *color.Color
}

func newLevelColors(enabled bool) *levelColors {
	c := &levelColors{
		debug:   color.New(color.FgHiBlack),
		info:    color.New(color.FgBlue),
		warn:    color.New(color.FgYellow),
		err:     color.New(color.FgRed),
		attrKey: color.New(color.FgCyan),
	}
	for _, col := range []*color.Color{c.debug, c.info, c.warn, c.err, c.attrKey} {
		col.EnableColor()
		if !enabled {
			col.DisableColor()
		}
	}
	return c
}

// NewPrettyHandler creates a console handler writing to w. Colorization is
// enabled only when w is a real terminal.
func NewPrettyHandler(w io.Writer, level slog.Level) *PrettyHandler {
	colorsEnabled := false
	if f, ok := w.(*os.File); ok {
		colorsEnabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &PrettyHandler{
		w:      w,
		level:  level,
		colors: newLevelColors(colorsEnabled),
	}
}

// Enabled applies the handler's own level threshold.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes one line: time, colored level tag, message, then preset
// and per-record attrs as key=value pairs.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(r.Time.Format("15:04:05"))
	line.WriteByte(' ')
	line.WriteString(h.levelTag(r.Level))
	line.WriteByte(' ')
	line.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&line, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&line, a)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line.String())
	return err
}

// WithAttrs returns a handler whose lines carry the extra attrs.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &PrettyHandler{w: h.w, level: h.level, attrs: merged, groups: h.groups, colors: h.colors}
}

// WithGroup returns a handler prefixing later attr keys with the group.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	groups := append(append([]string{}, h.groups...), name)
	return &PrettyHandler{w: h.w, level: h.level, attrs: h.attrs, groups: groups, colors: h.colors}
}

func (h *PrettyHandler) levelTag(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return h.colors.debug.Sprint("DBG")
	case level < slog.LevelWarn:
		return h.colors.info.Sprint("INF")
	case level < slog.LevelError:
		return h.colors.warn.Sprint("WRN")
	default:
		return h.colors.err.Sprint("ERR")
	}
}

func (h *PrettyHandler) writeAttr(line *strings.Builder, a slog.Attr) {
	if a.Value.Kind() == slog.KindGroup {
		for _, member := range a.Value.Group() {
			h.writeAttr(line, member)
		}
		return
	}

	key := a.Key
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	fmt.Fprintf(line, " %s=%v", h.colors.attrKey.Sprint(key), a.Value.Any())
}
