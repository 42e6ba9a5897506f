package api

import "net/http"

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	ActiveWorkers int `json:"active_workers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{ActiveWorkers: s.workers.Active()})
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.capabilities.List())
}
