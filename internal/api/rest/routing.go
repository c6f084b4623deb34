package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/metrics"
)

// NewRouter builds the admin API. A nil m leaves out the metrics middleware
// and the /metrics endpoint.
func NewRouter(client NodeClient, m *metrics.ClientMetrics, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(LoggingMiddleware(logger.Named("api")))
	if m != nil {
		api.Use(m.Middleware)
	}
	NewNodeHandler(client).RegisterRoutes(api)
	NewActionHandler(client).RegisterRoutes(api)
	return r
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, r *http.Request) {
	response := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
