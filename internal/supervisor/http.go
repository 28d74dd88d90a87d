package supervisor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is the body served at /healthz (spec.md §4.8 supplement).
type HealthStatus struct {
	Healthy       bool    `json:"healthy"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	TCPFlows      int     `json:"tcpFlows"`
	UDPSessions   int     `json:"udpSessions"`
	BytesIn       uint64  `json:"bytesIn"`
	BytesOut      uint64  `json:"bytesOut"`
}

// APIResponse is the standard success/error envelope for diagnostics
// endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// newDiagRouter builds the gorilla/mux router serving /healthz and /metrics.
func newDiagRouter(sup *Supervisor) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz(sup)).Methods(http.MethodGet)

	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("diagnostics HTTP request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func handleHealthz(sup *Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := sup.healthStatus()

		if !status.Healthy {
			writeError(w, http.StatusServiceUnavailable, "data plane unhealthy")
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeResponse(w, status, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, APIResponse{Success: false, Error: msg})
}

func writeResponse(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("supervisor: encoding diagnostics response failed", "error", err)
	}
}

const httpReadHeaderTimeout = 5 * time.Second
