// Package tracing provides lightweight in-process spans that travel through
// a context.Context. Finished span trees are emitted as structured slog
// records, one line per span, so a slow query can be reconstructed from logs
// without an external trace collector.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

var spanKey contextKey

// Span is a timed operation. A root span carries the trace id; children
// inherit it when created through StartChildSpan.
type Span struct {
	Name     string
	TraceID  string
	Started  time.Time
	Duration time.Duration

	mu       sync.Mutex
	children []*Span
	attrs    []slog.Attr
}

// StartSpan opens a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Started: time.Now()}
	return context.WithValue(ctx, spanKey, s), s
}

// StartChildSpan opens a span under the one stored in ctx. Without a parent
// in ctx the child behaves like a detached root with an empty trace id.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{Name: name, Started: time.Now()}
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanKey, child), child
}

// SpanFromContext returns the span stored in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey).(*Span)
	return s
}

// End freezes the span's duration. Call it exactly once.
func (s *Span) End() {
	s.Duration = time.Since(s.Started)
}

// SetAttr attaches a key-value pair that is included when the span is logged.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// Log emits the span and its descendants depth-first, annotating each record
// with its depth so the tree shape survives flattening into log lines.
func (s *Span) Log() {
	s.log(0)
}

func (s *Span) log(depth int) {
	attrs := make([]slog.Attr, 0, len(s.attrs)+4)
	attrs = append(attrs,
		slog.String("trace_id", s.TraceID),
		slog.String("span", s.Name),
		slog.Int64("duration_ms", s.Duration.Milliseconds()),
		slog.Int("depth", depth),
	)
	s.mu.Lock()
	attrs = append(attrs, s.attrs...)
	children := s.children
	s.mu.Unlock()

	slog.LogAttrs(context.Background(), slog.LevelInfo, "span", attrs...)
	for _, c := range children {
		c.log(depth + 1)
	}
}
