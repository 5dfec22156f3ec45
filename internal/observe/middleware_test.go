package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareHarness struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer
}

// newMiddlewareHarness wraps a mux shaped like the server's routes. The
// tracer provider is global, so tests using it must not run in parallel.
func newMiddlewareHarness(t *testing.T) *middlewareHarness {
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
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		mux.HandleFunc("GET "+path, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	mux.HandleFunc("GET /v1/interview", func(w http.ResponseWriter, _ *http.Request) {
		// A plain GET without the upgrade headers is refused by the gateway.
		w.WriteHeader(http.StatusUpgradeRequired)
	})

	return &middlewareHarness{
		handler: Middleware(m, WithRequestLogger(log))(mux),
		reader:  reader,
		spans:   exp,
		logs:    &buf,
	}
}

func (h *middlewareHarness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// lastLog decodes the most recent request completion line.
func (h *middlewareHarness) lastLog(t *testing.T) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(h.logs.Bytes()), []byte("\n"))
	var entry map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("decode log line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestMiddleware_LogLevelByRoute(t *testing.T) {
	tests := []struct {
		path      string
		wantLevel string
		status    int
	}{
		{path: "/healthz", wantLevel: "DEBUG", status: http.StatusOK},
		{path: "/readyz", wantLevel: "DEBUG", status: http.StatusOK},
		{path: "/metrics", wantLevel: "DEBUG", status: http.StatusOK},
		{path: "/v1/interview", wantLevel: "INFO", status: http.StatusUpgradeRequired},
		{path: "/v1/unknown", wantLevel: "INFO", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			h := newMiddlewareHarness(t)
			h.serve(httptest.NewRequest(http.MethodGet, tc.path, nil))

			entry := h.lastLog(t)
			if entry["msg"] != "request completed" {
				t.Fatalf("msg = %v", entry["msg"])
			}
			if entry["level"] != tc.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tc.wantLevel)
			}
			if entry["path"] != tc.path {
				t.Errorf("path = %v, want %s", entry["path"], tc.path)
			}
			if entry["status"] != float64(tc.status) {
				t.Errorf("status = %v, want %d", entry["status"], tc.status)
			}
		})
	}
}

func TestMiddleware_InterviewRequestIsTraced(t *testing.T) {
	h := newMiddlewareHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/interview", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := h.serve(req)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if got := h.lastLog(t)["trace_id"]; got != traceID {
		t.Errorf("logged trace_id = %v, want %s", got, traceID)
	}

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /v1/interview" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusUpgradeRequired {
		t.Errorf("span status attribute = %d, want %d", status, http.StatusUpgradeRequired)
	}
}

func TestMiddleware_RecordsDurationPerPath(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.serve(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	h.serve(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	h.serve(httptest.NewRequest(http.MethodGet, "/v1/interview", nil))

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "proctorlive.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		counts[path.AsString()] += dp.Count
	}
	if counts["/readyz"] != 2 || counts["/v1/interview"] != 1 {
		t.Errorf("samples by path = %v, want /readyz:2 /v1/interview:1", counts)
	}
}
