package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/agentexec/internal/engine"
	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/progress"
	"github.com/seantiz/agentexec/internal/state"
	"github.com/seantiz/agentexec/internal/store"
	"github.com/seantiz/agentexec/internal/worker"
)

const maxBodySize = 1 << 20 // 1 MB

// startExecutionRequest is the JSON body for POST /v1/executions.
type startExecutionRequest struct {
	AgentID string          `json:"agent_id"`
	TaskID  string          `json:"task_id"`
	Input   json.RawMessage `json:"input"`
}

type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
}

type historyResponse struct {
	ExecutionID string               `json:"execution_id"`
	Entries     []model.HistoryEntry `json:"entries"`
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	exec, err := s.service.StartExecution(r.Context(), req.AgentID, req.TaskID, req.Input)
	if err != nil {
		s.writeServiceError(w, "start execution", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.service.ListExecutions(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		s.writeServiceError(w, "list executions", err)
		return
	}
	if execs == nil {
		execs = []*model.Execution{}
	}
	s.writeJSON(w, http.StatusOK, listExecutionsResponse{Executions: execs, Total: len(execs)})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.service.GetHistory(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get history", err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{ExecutionID: id, Entries: entries})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.CancelExecution(r.Context(), id); err != nil {
		s.writeServiceError(w, "cancel execution", err)
		return
	}

	exec, err := s.service.GetExecution(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get cancelled execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.PauseExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "pause execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.ResumeExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "resume execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.RetryExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "retry execution", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, exec)
}

// errorStatus maps an error kind to its HTTP status and a short kind label.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, state.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, engine.ErrInvalidRetry):
		return http.StatusConflict, "invalid_retry"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, progress.ErrInvalidProgress):
		return http.StatusUnprocessableEntity, "invalid_progress"
	case errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, kind := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, kind, "failed to "+op)
		return
	}
	s.writeError(w, status, kind, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}
