package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description, format string) map[string]interface{} {
	schema := map[string]string{"type": "string"}
	if format != "" {
		schema["format"] = format
	}
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    true,
		"schema":      schema,
	}
}

func nullable(kind string) map[string]interface{} {
	return map[string]interface{}{"type": kind, "nullable": true}
}

func jsonContent(schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"application/json": map[string]interface{}{"schema": schema},
	}
}

var (
	emptyObject = map[string]interface{}{
		"type":        "object",
		"description": "Empty object, returned when no row matches",
	}
	errorSchema = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"error":   map[string]string{"type": "string"},
			"message": map[string]string{"type": "string"},
			"code":    map[string]string{"type": "integer"},
		},
	}
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the station weather API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Station Weather API",
			"description": "Point lookups over ingested daily station observations and their yearly averages",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/weather": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get one daily observation",
					"description": "Values are tenths of a degree Celsius and tenths of a millimetre; null when not observed",
					"parameters": []map[string]interface{}{
						queryParam("date", "Observation date, YYYY-MM-DD or YYYYMMDD", "date"),
						queryParam("station", "Station identifier", ""),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "The observation, or {} when none matches",
							"content": jsonContent(map[string]interface{}{
								"oneOf": []interface{}{
									map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"date":          map[string]string{"type": "string", "format": "date"},
											"maxTemp":       nullable("integer"),
											"minTemp":       nullable("integer"),
											"precipitation": nullable("integer"),
											"stationID":     map[string]string{"type": "string"},
										},
									},
									emptyObject,
								},
							}),
						},
						"400": map[string]interface{}{"description": "Missing or malformed parameter", "content": jsonContent(errorSchema)},
						"404": map[string]interface{}{"description": "No match, when strict not-found is enabled", "content": jsonContent(emptyObject)},
					},
				},
			},
			"/api/weather/stats": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get yearly averages for a station",
					"description": "Averages are in degrees Celsius and millimetres; null when no day had the value",
					"parameters": []map[string]interface{}{
						queryParam("year", "Calendar year", ""),
						queryParam("station", "Station identifier", ""),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "The yearly statistic, or {} when none matches",
							"content": jsonContent(map[string]interface{}{
								"oneOf": []interface{}{
									map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"year":          map[string]string{"type": "integer"},
											"stationID":     map[string]string{"type": "string"},
											"maxTemp":       nullable("number"),
											"minTemp":       nullable("number"),
											"precipitation": nullable("number"),
										},
									},
									emptyObject,
								},
							}),
						},
						"400": map[string]interface{}{"description": "Missing or malformed parameter", "content": jsonContent(errorSchema)},
						"404": map[string]interface{}{"description": "No match, when strict not-found is enabled", "content": jsonContent(emptyObject)},
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Reports whether the store answers a ping",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "Store reachable"},
						"503": map[string]interface{}{"description": "Store unreachable"},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
