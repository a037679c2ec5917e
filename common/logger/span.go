package logger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskrelay"

// StartLinkedSpan starts a span that continues a trace whose hex id crossed
// a process boundary, such as the ingest request's trace id stored on a
// queue entry. The remote parent is also added as a link. An empty or
// malformed id starts a new root span instead.
//
//	ctx, span := logger.StartLinkedSpan(ctx, msg.TraceID, "worker.task", trace.WithSpanKind(trace.SpanKindConsumer))
//	defer span.End()
func StartLinkedSpan(ctx context.Context, traceID, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tid, err := trace.TraceIDFromHex(traceID); err == nil {
		remote := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// FailSpan records err on span and marks the span as errored.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace id active in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
