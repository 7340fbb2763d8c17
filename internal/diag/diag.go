// Package diag exposes the agent's diagnostics HTTP surface: health,
// Prometheus metrics, and a debug view of loaded offerings. Modeled on
// infrastructure/service/routes.go's HealthHandler/InfoHandler pattern,
// adapted from gorilla/mux router registration (the teacher's own choice
// for this concern) rather than stdlib http.ServeMux.
package diag

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waldur/site-agent/internal/model"
)

// HealthStatus reports this agent's aggregate liveness.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// OfferingStatus is one offering's debug snapshot.
type OfferingStatus struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	BackendType string `json:"backend_type"`
	Mode        string `json:"mode"`
	// Reachable reflects the offering's marketplace client circuit breaker
	// (spec.md §4.9): false means the marketplace is presently failing
	// fast rather than being retried on every call.
	Reachable bool `json:"reachable"`
}

// Server is the diagnostics HTTP surface for one agent process.
type Server struct {
	router    *mux.Router
	offerings func() []model.Offering
	health    func() map[string]bool
	mode      string
}

// New builds a diagnostics Server. offeringsFn and healthFn are called
// fresh on every /debug/offerings request so it always reflects live state.
func New(mode string, offeringsFn func() []model.Offering, healthFn func() map[string]bool) *Server {
	s := &Server{router: mux.NewRouter(), offerings: offeringsFn, health: healthFn, mode: mode}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/offerings", s.handleOfferings).Methods(http.MethodGet)
	return s
}

// Router returns the underlying mux.Router for embedding in an http.Server.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOfferings(w http.ResponseWriter, _ *http.Request) {
	offerings := s.offerings()
	health := s.health()
	statuses := make([]OfferingStatus, 0, len(offerings))
	for _, o := range offerings {
		statuses = append(statuses, OfferingStatus{
			Name:        o.Name,
			UUID:        o.UUID,
			BackendType: o.BackendType,
			Mode:        s.mode,
			Reachable:   health[o.Name],
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
