package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareFixture struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newMiddlewareFixture installs an in-memory tracer provider globally for the
// duration of the test.
func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()
	m, reader := newTestMetrics(t)

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return &middlewareFixture{metrics: m, reader: reader, spans: spans}
}

// serve runs one request through the middleware around h.
func (f *middlewareFixture) serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(f.metrics)(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ProbeRequest(t *testing.T) {
	f := newMiddlewareFixture(t)

	var inner string
	rec := f.serve(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	}, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if len(inner) != 32 {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", inner)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inner {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inner)
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status attribute = %d, want 503", status)
	}

	if n := histogramCount(t, collect(t, f.reader), "milla.http.request.duration"); n != 1 {
		t.Errorf("duration samples = %d, want 1", n)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	f := newMiddlewareFixture(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	var inner string
	rec := f.serve(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
	}, req)

	if inner != traceID {
		t.Errorf("handler trace = %q, want %q", inner, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response should carry a traceparent header")
	}
}

func TestMiddleware_DefaultStatusIsOK(t *testing.T) {
	f := newMiddlewareFixture(t)
	rec := f.serve(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
