package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/model"
)

type ingestRequest struct {
	Events []model.InboundEvent `json:"events"`
}

// handleIngest accepts one attendance batch. An Idempotency-Key header makes
// full-batch retries return the cached response.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	res, err := s.ingest.Ingest(r.Context(), req.Events, r.Header.Get("Idempotency-Key"))
	if err != nil {
		if errors.Is(err, errs.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// partial failures still carry committed counts
		if res != nil {
			s.log.Error("ingest partial failure", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}
		s.log.Error("ingest failed", zap.Error(err))
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type fullSyncResponse struct {
	TotalSource int             `json:"totalSource"`
	Batch       batchInfo       `json:"batch"`
	Active      int             `json:"active"`
	Retired     int             `json:"retired"`
	Sync        model.SyncStats `json:"sync"`
	Deactivated int             `json:"deactivated"`
	HasMore     bool            `json:"hasMore"`
	NextOffset  int             `json:"nextOffset"`
}

type batchInfo struct {
	Offset    int `json:"offset,omitempty"`
	Limit     int `json:"limit"`
	Processed int `json:"processed"`
}

// handleFullSync reconciles one page of the full source scan.
func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	res, err := s.syncer.FullSyncPage(r.Context(), offset, limit)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, errs.ErrConnectionFailure):
			http.Error(w, "source unavailable", http.StatusServiceUnavailable)
		default:
			s.log.Error("full sync failed", zap.Error(err))
			http.Error(w, "sync failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, fullSyncResponse{
		TotalSource: res.TotalSource,
		Batch:       batchInfo{Offset: res.Offset, Limit: res.Limit, Processed: res.Processed},
		Active:      res.Active,
		Retired:     res.Retired,
		Sync:        res.Stats,
		Deactivated: res.Deactivated,
		HasMore:     res.HasMore,
		NextOffset:  res.NextOffset,
	})
}

type crossMatchResponse struct {
	Batch        batchInfo         `json:"batch"`
	Results      crossMatchResults `json:"results"`
	MatchedNames []string          `json:"matchedNames"`
	HasMore      bool              `json:"hasMore"`
}

type crossMatchResults struct {
	Matched int      `json:"matched"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// handleCrossMatch promotes placeholder identities with authoritative matches.
func (s *Server) handleCrossMatch(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	stats, err := s.rec.CrossMatchPlaceholders(r.Context(), limit)
	if err != nil {
		if errors.Is(err, errs.ErrConnectionFailure) {
			http.Error(w, "source unavailable", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("cross-match failed", zap.Error(err))
		http.Error(w, "cross-match failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, crossMatchResponse{
		Batch:        batchInfo{Limit: limit, Processed: stats.Processed},
		Results:      crossMatchResults{Matched: stats.Matched, Skipped: stats.Skipped, Errors: stats.Errors},
		MatchedNames: stats.MaskedNames,
		HasMore:      stats.HasMore,
	})
}

// handleAdminToken exchanges the shared secret for a short-lived admin JWT.
func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Admin-Secret")
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.adminSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token, exp, err := s.keys.IssueAdminToken(time.Hour)
	if err != nil {
		s.log.Error("token issue failed", zap.Error(err))
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": exp})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "source": s.healthy()}
	if !s.healthy() {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
