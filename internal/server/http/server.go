// Package httpserver exposes the trigger surface: attendance ingestion,
// admin sync endpoints and health.
package httpserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/keys"
	"github.com/buildsafe/sitesync/internal/service"
)

// Server wires services into HTTP handlers.
type Server struct {
	ingest      *service.Ingestor
	syncer      *service.Syncer
	rec         *service.Reconciler
	keys        *keys.Manager
	adminSecret string
	healthy     func() bool
	log         *zap.Logger
}

// New constructs a Server with injected services. healthy reports source
// connectivity for the health endpoint.
func New(ingest *service.Ingestor, syncer *service.Syncer, rec *service.Reconciler, km *keys.Manager, adminSecret string, healthy func() bool, log *zap.Logger) *Server {
	return &Server{
		ingest:      ingest,
		syncer:      syncer,
		rec:         rec,
		keys:        km,
		adminSecret: adminSecret,
		healthy:     healthy,
		log:         log,
	}
}

// Handler builds the routed handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/attendance/events", s.handleIngest)
	mux.HandleFunc("POST /admin/sync/full", s.adminOnly(s.handleFullSync))
	mux.HandleFunc("POST /admin/sync/cross-match", s.adminOnly(s.handleCrossMatch))
	mux.HandleFunc("POST /admin/token", s.handleAdminToken)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return recoverer(s.log, logging(s.log, mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
