package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"station-weather/internal/models"
	"station-weather/pkg/logging"
	"station-weather/pkg/metrics"
)

// WeatherQuerier answers point lookups; false means not found.
type WeatherQuerier interface {
	GetObservation(ctx context.Context, date time.Time, stationID string) (*models.WeatherRecord, bool)
	GetYearlyStat(ctx context.Context, year int, stationID string) (*models.YearlyStat, bool)
}

// HealthChecker reports whether the store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options tunes handler behaviour.
type Options struct {
	// StrictNotFound answers a lookup miss with 404 instead of 200. The body
	// is {} either way.
	StrictNotFound bool
}

// WeatherHandler handles weather API endpoints
type WeatherHandler struct {
	query   WeatherQuerier
	health  HealthChecker
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	opts    Options
}

// NewWeatherHandler creates a new weather handler
func NewWeatherHandler(
	query WeatherQuerier,
	health HealthChecker,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	opts Options,
) *WeatherHandler {
	return &WeatherHandler{
		query:   query,
		health:  health,
		logger:  logger,
		metrics: metricsCollector,
		opts:    opts,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ObservationResponse is the body of a /api/weather hit. Values are in
// tenths, as ingested.
type ObservationResponse struct {
	Date          string `json:"date"`
	MaxTemp       *int   `json:"maxTemp"`
	MinTemp       *int   `json:"minTemp"`
	Precipitation *int   `json:"precipitation"`
	StationID     string `json:"stationID"`
}

// StatResponse is the body of a /api/weather/stats hit.
type StatResponse struct {
	Year          int      `json:"year"`
	StationID     string   `json:"stationID"`
	MaxTemp       *float64 `json:"maxTemp"`
	MinTemp       *float64 `json:"minTemp"`
	Precipitation *float64 `json:"precipitation"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// GetObservation handles GET /api/weather?date=&station=
func (h *WeatherHandler) GetObservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stationID, ok := h.requiredParam(w, r, "station")
	if !ok {
		return
	}
	dateStr, ok := h.requiredParam(w, r, "date")
	if !ok {
		return
	}
	date, err := parseQueryDate(dateStr)
	if err != nil {
		h.sendError(w, r, "invalid date, expected YYYY-MM-DD or YYYYMMDD", http.StatusBadRequest)
		return
	}

	rec, found := h.query.GetObservation(ctx, date, stationID)
	if !found {
		h.sendMiss(w)
		return
	}

	h.sendJSON(w, ObservationResponse{
		Date:          rec.Date.Format(models.ISODateLayout),
		MaxTemp:       rec.MaxTemp,
		MinTemp:       rec.MinTemp,
		Precipitation: rec.Precipitation,
		StationID:     rec.StationID,
	}, http.StatusOK)
}

// GetYearlyStat handles GET /api/weather/stats?year=&station=
func (h *WeatherHandler) GetYearlyStat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stationID, ok := h.requiredParam(w, r, "station")
	if !ok {
		return
	}
	yearStr, ok := h.requiredParam(w, r, "year")
	if !ok {
		return
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || year < 1 || year > 9999 {
		h.sendError(w, r, "invalid year, expected a four-digit integer", http.StatusBadRequest)
		return
	}

	stat, found := h.query.GetYearlyStat(ctx, year, stationID)
	if !found {
		h.sendMiss(w)
		return
	}

	h.sendJSON(w, StatResponse{
		Year:          stat.Year,
		StationID:     stat.StationID,
		MaxTemp:       stat.AvgMaxTemp,
		MinTemp:       stat.AvgMinTemp,
		Precipitation: stat.AvgPrecipitation,
	}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *WeatherHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.health.HealthCheck(ctx); err != nil {
		h.logger.Error(ctx, "[HEALTH_CHECK_FAILED] Store is unreachable", logging.Fields{}, err)
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		h.sendJSON(w, resp, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, resp, http.StatusOK)
}

func parseQueryDate(s string) (time.Time, error) {
	if strings.Contains(s, "-") {
		return time.Parse(models.ISODateLayout, s)
	}
	return models.ParseSourceDate(s)
}

func (h *WeatherHandler) requiredParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		h.sendError(w, r, "missing required parameter: "+name, http.StatusBadRequest)
		return "", false
	}
	return v, true
}

func (h *WeatherHandler) sendMiss(w http.ResponseWriter) {
	status := http.StatusOK
	if h.opts.StrictNotFound {
		status = http.StatusNotFound
	}
	h.sendJSON(w, struct{}{}, status)
}

// sendJSON sends a JSON response
func (h *WeatherHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn(context.Background(), "[API_WRITE_ERROR] Failed to encode response", logging.Fields{
			"error": err.Error(),
		})
	}
}

// sendError sends an error response
func (h *WeatherHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIError("bad_request", r.URL.Path)

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all weather API routes
func (h *WeatherHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/weather", h.GetObservation).Methods(http.MethodGet)
	router.HandleFunc("/api/weather/stats", h.GetYearlyStat).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods(http.MethodGet)
	router.HandleFunc("/api/docs", SwaggerUI).Methods(http.MethodGet)
}
