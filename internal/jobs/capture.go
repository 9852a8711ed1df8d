package jobs

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// lineBuffer keeps the most recent log lines of one job
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (b *lineBuffer) add(line string) {
	if b.max <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) == b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.max-1]
	}
	b.lines = append(b.lines, line)
}

func (b *lineBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// captureHandler passes records on to next and also keeps a one-line
// rendering of every Info or higher record in buf. Attributes added with
// WithAttrs only reach next.
type captureHandler struct {
	next slog.Handler
	buf  *lineBuffer
}

func newCaptureHandler(next slog.Handler, buf *lineBuffer) *captureHandler {
	return &captureHandler{next: next, buf: buf}
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		h.buf.add(formatRecord(r))
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{next: h.next.WithAttrs(attrs), buf: h.buf}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{next: h.next.WithGroup(name), buf: h.buf}
}

// formatRecord renders "15:04:05 LEVEL message key=value ..."
func formatRecord(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Time.Format("15:04:05"))
	sb.WriteByte(' ')
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		v := a.Value.Resolve().String()
		if strings.ContainsAny(v, " \t\n\"=") {
			v = strconv.Quote(v)
		}
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(v)
		return true
	})

	return sb.String()
}
