package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareFixture builds a metrics sink with a manual reader and installs
// an in-memory tracer provider as the global one for the test's duration.
func middlewareFixture(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return m, reader, exp
}

// serve runs one request through the instrumented handler.
func serve(t *testing.T, m *Metrics, path string, inner http.HandlerFunc, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	handler := Middleware(m)(inner)
	req := httptest.NewRequest("GET", path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_GeneratesCorrelationID(t *testing.T) {
	m, _, _ := middlewareFixture(t)

	var cid string
	rec := serve(t, m, "/status", func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, nil)

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want a 32-char trace id", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}
}

func TestMiddleware_NamesSpanAfterMethodAndPath(t *testing.T) {
	m, _, exp := middlewareFixture(t)

	serve(t, m, "/ws/room", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /ws/room" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_RecordsDurationWithAttributes(t *testing.T) {
	m, reader, _ := middlewareFixture(t)

	serve(t, m, "/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "infinitune.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected metric data %T", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	got := map[string]string{}
	for _, kv := range dp.Attributes.ToSlice() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["method"] != "GET" || got["path"] != "/readyz" {
		t.Errorf("attributes = %v, want method=GET path=/readyz", got)
	}
}

func TestMiddleware_CapturesDownstreamStatus(t *testing.T) {
	m, _, exp := middlewareFixture(t)

	rec := serve(t, m, "/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatal("no span recorded")
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != 404 {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_ContinuesIncomingTraceContext(t *testing.T) {
	m, _, _ := middlewareFixture(t)
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var cid string
	rec := serve(t, m, "/propagate", func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, func(req *http.Request) {
		req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	})

	if cid != upstream {
		t.Errorf("correlation ID = %q, want the upstream trace id", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}
