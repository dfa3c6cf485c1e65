package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceRef carries a span context inside a payload, for callers such as DTM
// that do not forward W3C headers.
type TraceRef struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// RefFromContext captures the active span of ctx.
func RefFromContext(ctx context.Context) TraceRef {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceRef{}
	}
	return TraceRef{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

// StartSpanFromRef starts a span parented on a propagated TraceRef when one is present.
func StartSpanFromRef(ctx context.Context, name string, ref TraceRef) (context.Context, trace.Span) {
	if ref.TraceID != "" && ref.SpanID != "" {
		traceID, terr := trace.TraceIDFromHex(ref.TraceID)
		spanID, serr := trace.SpanIDFromHex(ref.SpanID)
		if terr == nil && serr == nil {
			sc := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			})
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}
	return otel.Tracer("checkout").Start(ctx, name)
}

// StartDTMSpan opens a span for a DTM global transaction operation.
func StartDTMSpan(ctx context.Context, operation, gid string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("dtm").Start(ctx, "dtm."+operation)
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.operation", operation),
		attribute.String("component", "dtm-coordinator"),
	)
	return ctx, span
}
