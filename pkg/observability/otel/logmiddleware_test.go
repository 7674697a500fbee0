package otelobs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"aegisgate/pkg/logging"
)

func spanContext(t *testing.T) trace.SpanContext {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestTraceHeadersReachTheClient(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewLogger("otel-test", logging.LevelInfo, &buf)

	h := HTTPTraceLogMiddleware(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// downstream commits the response; headers must already be set
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	r := httptest.NewRequest("GET", "/brew", nil)
	r = r.WithContext(trace.ContextWithSpanContext(r.Context(), spanContext(t)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", w.Header().Get("Trace-Id"))
	assert.Equal(t, "00f067aa0ba902b7", w.Header().Get("Span-Id"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/brew", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", line["trace_id"])
}

func TestNoTraceNoHeaders(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewLogger("otel-test", logging.LevelInfo, &buf)

	h := HTTPTraceLogMiddleware(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.Empty(t, w.Header().Get("Trace-Id"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"], "access line carries the gateway request id")
}
