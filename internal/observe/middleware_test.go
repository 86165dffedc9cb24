package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const remoteTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

type statusRig struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer
}

// newStatusRig wraps a small status mux with the middleware. Tests using it
// swap global providers and must not run in parallel.
func newStatusRig(t *testing.T) *statusRig {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prevTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prevTP) })

	var logs bytes.Buffer
	prevLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prevLog) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /turns/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(CorrelationID(r.Context())))
	})

	return &statusRig{handler: Middleware(m)(mux), reader: reader, spans: exp, logs: &logs}
}

func (r *statusRig) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_CorrelationHeaderMatchesHandlerContext(t *testing.T) {
	r := newStatusRig(t)

	rec := r.get("/turns/7", nil)
	body := rec.Body.String()
	if len(body) != 32 {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", body)
	}
	if got := rec.Header().Get(CorrelationHeader); got != body {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, body)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	r := newStatusRig(t)

	rec := r.get("/turns/7", http.Header{
		"Traceparent": {"00-" + remoteTraceID + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Body.String(); got != remoteTraceID {
		t.Errorf("handler correlation ID = %q, want %q", got, remoteTraceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != remoteTraceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, remoteTraceID)
	}
	if tp := rec.Header().Get("Traceparent"); !strings.Contains(tp, remoteTraceID) {
		t.Errorf("response traceparent = %q, want trace %s", tp, remoteTraceID)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	r := newStatusRig(t)

	r.get("/turns/abc-123", nil)

	spans := r.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got, want := spans[0].Name, "status GET /turns/{id}"; got != want {
		t.Errorf("span name = %q, want %q", got, want)
	}
	if v, ok := spanAttr(spans[0], "http.route"); !ok || v.AsString() != "GET /turns/{id}" {
		t.Errorf("http.route = %v (present %v), want GET /turns/{id}", v.AsString(), ok)
	}
	if v, ok := spanAttr(spans[0], "url.path"); !ok || v.AsString() != "/turns/abc-123" {
		t.Errorf("url.path = %v, want /turns/abc-123", v.AsString())
	}
}

func TestMiddleware_RecordsStatusAndBodySize(t *testing.T) {
	r := newStatusRig(t)

	r.get("/healthz", nil)
	r.get("/statusz", nil)

	spans := r.spans.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	tests := []struct {
		status int64
		size   int64
	}{
		{http.StatusOK, int64(len(`{"status":"ok"}`))},
		{http.StatusServiceUnavailable, 0},
	}
	for i, tt := range tests {
		if v, _ := spanAttr(spans[i], "http.response.status_code"); v.AsInt64() != tt.status {
			t.Errorf("span %d status = %d, want %d", i, v.AsInt64(), tt.status)
		}
		if v, _ := spanAttr(spans[i], "http.response.body.size"); v.AsInt64() != tt.size {
			t.Errorf("span %d body size = %d, want %d", i, v.AsInt64(), tt.size)
		}
	}
}

func TestMiddleware_DurationLabelledByRoute(t *testing.T) {
	r := newStatusRig(t)

	r.get("/turns/1", nil)
	r.get("/turns/2", nil)
	r.get("/wp-login.php", nil)

	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "pushtalk.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["GET /turns/{id}"] != 2 {
		t.Errorf("samples for GET /turns/{id} = %d, want 2", counts["GET /turns/{id}"])
	}
	if counts[unmatchedRoute] != 1 {
		t.Errorf("samples for unmatched = %d, want 1", counts[unmatchedRoute])
	}
	if len(counts) != 2 {
		t.Errorf("route labels = %v, want exactly two", counts)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "level=DEBUG"},
		{"/turns/9", "level=INFO"},
		{"/statusz", "level=WARN"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := newStatusRig(t)
			r.get(tt.path, nil)

			line := r.logs.String()
			if !strings.Contains(line, "observe: status request") {
				t.Fatalf("no request log line, got: %s", line)
			}
			if !strings.Contains(line, tt.want) {
				t.Errorf("log line %q, want %s", line, tt.want)
			}
			if !strings.Contains(line, "trace_id=") {
				t.Errorf("log line missing trace_id: %s", line)
			}
		})
	}
}
