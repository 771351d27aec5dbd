package app

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// logRing keeps the most recent log lines of one pipeline so the status
// endpoint can show what the run is doing without tailing files. It
// implements io.Writer and is fed by a slog text handler.
type logRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	rest  []byte
}

func newLogRing(n int) *logRing {
	return &logRing{lines: make([]string, n)}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rest = append(r.rest, p...)
	for {
		i := bytes.IndexByte(r.rest, '\n')
		if i < 0 {
			break
		}
		r.push(string(r.rest[:i]))
		r.rest = r.rest[i+1:]
	}
	if len(r.rest) == 0 {
		r.rest = nil
	}
	return len(p), nil
}

func (r *logRing) push(line string) {
	if line == "" {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the retained lines, oldest first.
func (r *logRing) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// teeHandler fans one record out to the process logger and the pipeline's
// ring so operators see the same lines in both places.
type teeHandler struct {
	handlers []slog.Handler
}

func newTeeHandler(hs ...slog.Handler) slog.Handler {
	return teeHandler{handlers: hs}
}

func (t teeHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var first error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return teeHandler{handlers: hs}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithGroup(name)
	}
	return teeHandler{handlers: hs}
}
