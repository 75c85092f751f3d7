package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/model"
)

type createSessionRequest struct {
	UserID     string           `json:"user_id"`
	SourceType model.SourceType `json:"source_type"`
	RawPayload string           `json:"raw_payload"`
}

type outcomeRequest struct {
	Feature      model.Feature `json:"feature"`
	Outcome      model.Outcome `json:"outcome"`
	FeatureValue *float64      `json:"feature_value"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if !s.createLimiter(req.UserID).Allow() {
		zap.L().Warn("api: create rate limit exceeded", zap.String("user_id", req.UserID))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sess, err := s.pipeline.CreateSession(r.Context(), req.UserID, req.SourceType, req.RawPayload)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.pipeline.Start(r.Context(), sess.ID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":    sess.ID,
		"stage": sess.Stage,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	sess.RawPayload = ""
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.ListResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if res == nil {
		res = []model.ScoredResult{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.pipeline.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evs == nil {
		evs = []model.ProgressEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ents, err := s.pipeline.ListEntities(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ents == nil {
		ents = []model.ExtractedEntity{}
	}
	writeJSON(w, http.StatusOK, ents)
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	uw, err := s.weights.Current(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uw)
}

func (s *Server) handleResetWeights(w http.ResponseWriter, r *http.Request) {
	uw, err := s.weights.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uw)
}

func (s *Server) handleWeightEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	evs, err := s.weights.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evs == nil {
		evs = []model.WeightUpdateEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FeatureValue == nil {
		writeError(w, http.StatusBadRequest, "feature_value is required")
		return
	}

	uw, err := s.weights.RecordOutcome(r.Context(), chi.URLParam(r, "id"), req.Feature, req.Outcome, *req.FeatureValue)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uw)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.StaleAfter
	mins, err := queryInt(r, "timeout_mins", 0)
	if err != nil || mins < 0 {
		writeError(w, http.StatusBadRequest, "timeout_mins must be a non-negative integer")
		return
	}
	if mins > 0 {
		timeout = time.Duration(mins) * time.Minute
	}
	if timeout <= 0 {
		writeError(w, http.StatusBadRequest, "timeout_mins is required")
		return
	}

	fixed, err := s.pipeline.ReconcileStaleSessions(r.Context(), timeout)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"fixed": fixed})
}
