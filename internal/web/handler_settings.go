package web

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Usage())
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResetUsage(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to reset usage")
		s.logger.Error("reset usage failed", "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.Usage())
}

func (s *Server) handleRefdataStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ReferenceReport())
}

// handleRefdataReload retries a failed load. The report is returned either
// way; a failure is visible in its status and error fields.
func (s *Server) handleRefdataReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.ReloadReference(r.Context())
	if err != nil {
		s.logger.Warn("reference data reload failed", "error", err)
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ready, err := s.service.CredentialReady(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read settings")
		s.logger.Error("read credential state failed", "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"requires_api_key": s.service.RequiresAPIKey(),
		"ready":            ready,
	})
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.service.SetAPIKey(r.Context(), body.APIKey); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to save API key")
		s.logger.Warn("set api key rejected", "error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
