// Package trace wires a per-dispatch and per-attempt OpenTelemetry span,
// standing in for the Rust client's zipkin TraceContext propagation.
package trace

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/nodeedge/dispatch")

// StartDispatch opens the top-level span for one Send call.
func StartDispatch(ctx context.Context, method, pattern string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch: "+method+" "+pattern)
}

// StartAttempt opens a child span for one attempt.
func StartAttempt(ctx context.Context, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch: attempt")
}

// HeaderInjector injects the span context from ctx into an outgoing
// header map; it implements internal/headers.Injector.
type HeaderInjector struct {
	Ctx context.Context
}

func (h HeaderInjector) Inject(hdr http.Header) {
	otel.GetTextMapPropagator().Inject(h.Ctx, propagation.HeaderCarrier(hdr))
}
