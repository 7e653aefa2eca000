package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/session"
	"github.com/antoniostano/stroop/internal/task"
)

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "runner_unavailable", "block runner not configured")
		return
	}
	var req session.RunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		req.ParticipantID = "anonymous"
	}

	sess, err := s.runner.Start(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
		return
	case errors.Is(err, task.ErrInvalidConfiguration):
		respondError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	default:
		s.logger.Error("start block failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"blocks": s.sessions.List()})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAbortBlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if sess.Status.Finished() {
		respondError(w, http.StatusConflict, "block_finished", fmt.Sprintf("block is already %s", sess.Status))
		return
	}
	var req abortRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.runner.Abort(sess.ID, strings.TrimSpace(req.Reason)); err != nil {
		respondError(w, http.StatusConflict, "abort_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sess.ID,
		"status":     "abort_requested",
	})
}

func (s *Server) handleBlockResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.recordFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBlockCSV(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.recordFromPath(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="stroop_%s_block%d.csv"`, safeFilePart(rec.ParticipantID), rec.BlockNr))
	w.WriteHeader(http.StatusOK)
	if err := results.WriteCSV(w, rec); err != nil {
		s.logger.Warn("write csv failed", zap.String("block_id", rec.ID), zap.Error(err))
	}
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "store_unavailable", "result store not configured")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	participant := strings.TrimSpace(r.URL.Query().Get("participant_id"))
	recs, err := s.store.ListBlocks(r.Context(), participant, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": recs})
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_block_id", "missing block id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "block_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

// recordFromPath loads the stored result. A block that is still running
// has no result yet.
func (s *Server) recordFromPath(w http.ResponseWriter, r *http.Request) (results.BlockRecord, bool) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "store_unavailable", "result store not configured")
		return results.BlockRecord{}, false
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.store.GetBlock(r.Context(), id)
	if err == nil {
		return rec, true
	}
	if !errors.Is(err, results.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "result_lookup_failed", err.Error())
		return results.BlockRecord{}, false
	}
	if sess, serr := s.sessions.Get(id); serr == nil && !sess.Status.Finished() {
		respondError(w, http.StatusConflict, "block_running", "block has not finished yet")
		return results.BlockRecord{}, false
	}
	respondError(w, http.StatusNotFound, "result_not_found", err.Error())
	return results.BlockRecord{}, false
}

func safeFilePart(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
