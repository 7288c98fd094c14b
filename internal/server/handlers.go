package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"hookbeam/internal/dispatch"
	"hookbeam/internal/storage"
	logx "hookbeam/pkg/logx"
)

const (
	defaultHistory = 20
	maxHistory     = 200
	maxBody        = 64 << 10
)

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// fail maps controller errors: input problems are 400, the rest 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ve *dispatch.ValidationError
	if errors.As(err, &ve) {
		respondError(w, http.StatusBadRequest, ve.Message)
		return
	}
	s.log.Error("request failed", logx.Err(err))
	respondError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "storage disabled")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "running": s.ctrl.Session().Running}, http.StatusOK)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	p, ok, err := s.store.LoadProfile(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, map[string]any{"saved": ok, "profile": p}, http.StatusOK)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var p storage.Profile
	if !decode(w, r, &p) {
		return
	}
	if err := s.store.SaveProfile(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, p, http.StatusOK)
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.ctrl.Validate(r.Context(), req.Endpoint)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, map[string]string{"verdict": v.String(), "message": v.Message()}, http.StatusOK)
}

type startRequest struct {
	Endpoint string `json:"endpoint"`
	Message  string `json:"message"`
	// Delay is the raw form value; see dispatch.ParseDelay.
	Delay string `json:"delay"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.ctrl.Start(r.Context(), dispatch.StartRequest{
		Endpoint: req.Endpoint,
		Message:  req.Message,
		DelayMs:  dispatch.ParseDelay(req.Delay),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, sess, http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.ctrl.Stop()
	if !ok {
		respondJSON(w, map[string]any{"stopped": false}, http.StatusOK)
		return
	}
	respondJSON(w, map[string]any{"stopped": true, "summary": sum, "message": sum.String()}, http.StatusOK)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"session": s.ctrl.Session(), "stats": s.ctrl.Stats()}, http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistory)
	}
	if s.store == nil {
		respondJSON(w, []storage.SessionRecord{}, http.StatusOK)
		return
	}
	recs, err := s.store.RecentSessions(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []storage.SessionRecord{}
	}
	respondJSON(w, recs, http.StatusOK)
}

type deleteRequest struct {
	Endpoint string `json:"endpoint"`
	Confirm  bool   `json:"confirm"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.ctrl.Delete(r.Context(), req.Endpoint, func(context.Context, string) bool { return req.Confirm })
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if v == dispatch.DeleteCancelled {
		status = http.StatusConflict
	}
	respondJSON(w, map[string]string{"verdict": v.String(), "message": v.Message()}, status)
}
