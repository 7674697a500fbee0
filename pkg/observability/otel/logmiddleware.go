package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"aegisgate/pkg/logging"
)

// HTTPTraceLogMiddleware emits one structured access line per request and
// exposes the active trace on Trace-Id / Span-Id response headers. The
// headers are set before the downstream handler runs; once it writes the
// response they could no longer be added.
func HTTPTraceLogMiddleware(log *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID, spanID := "", ""
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
			w.Header().Set("Trace-Id", traceID)
			w.Header().Set("Span-Id", spanID)
		}

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		log.Info("request completed", logging.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sr.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"trace_id":    traceID,
			"span_id":     spanID,
			"request_id":  sr.Header().Get("X-Request-ID"),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
