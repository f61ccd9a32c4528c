package observe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// correlationHeader carries the request's trace ID back to the client.
const correlationHeader = "X-Correlation-ID"

var traceContext = propagation.TraceContext{}

// codeWriter remembers the status passed to WriteHeader. Handlers that only
// call Write leave it at 200.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func (cw *codeWriter) WriteHeader(code int) {
	cw.code = code
	cw.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the probe and scrape endpoints: a server span per
// request that continues an incoming traceparent, the trace ID echoed in
// X-Correlation-ID, a [Metrics.HTTPRequestDuration] sample and a debug log
// line.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			ctx, span := serverSpan(r)
			defer span.End()

			hdr := w.Header()
			if cid := CorrelationID(ctx); cid != "" {
				hdr.Set(correlationHeader, cid)
			}
			traceContext.Inject(ctx, propagation.HeaderCarrier(hdr))

			cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(cw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(cw.code))
			observeRequest(ctx, m, r, cw.code, time.Since(began))
		})
	}
}

func serverSpan(r *http.Request) (context.Context, trace.Span) {
	ctx := traceContext.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
}

func observeRequest(ctx context.Context, m *Metrics, r *http.Request, code int, took time.Duration) {
	m.HTTPRequestDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		Attr("method", r.Method),
		Attr("path", r.URL.Path),
	))
	slog.DebugContext(ctx, "http: request completed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", code,
		"duration", took,
		"trace_id", CorrelationID(ctx),
	)
}
