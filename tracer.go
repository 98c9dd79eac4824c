package corerun

import "context"

// Tracer creates spans around orchestrator and tool-execution work. The
// observer package provides an OTEL-backed implementation; when a
// component is built with a nil Tracer, span creation is skipped.
type Tracer interface {
	// Start begins a span named name, returning a child context carrying it.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is a single traced operation. End must be called exactly once.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key/value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr     { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr    { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr  { return SpanAttr{Key: k, Value: v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }
