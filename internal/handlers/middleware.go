package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID tags the request context with the caller's X-Request-ID, or a
// fresh UUID, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Instrument records request counts and latencies per route template.
func Instrument(collector *metrics.Collector, logger *logging.StructuredLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			endpoint := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					endpoint = tmpl
				}
			}
			duration := time.Since(start)
			collector.APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
			collector.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(rec.status))

			logger.Debug(r.Context(), "[API_REQUEST] Request served", logging.Fields{
				"method":      r.Method,
				"endpoint":    endpoint,
				"status":      rec.status,
				"duration_ms": duration.Milliseconds(),
			})
		})
	}
}
