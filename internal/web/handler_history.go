package web

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/history"
	"github.com/vbonduro/nutrilens/internal/photostore"
)

type historyItem struct {
	Hash       string                 `json:"hash"`
	RecipeName string                 `json:"recipe_name"`
	InputText  string                 `json:"input_text"`
	HasImage   bool                   `json:"has_image"`
	CreatedAt  time.Time              `json:"created_at"`
	Result     *domain.AnalysisResult `json:"result,omitempty"`
}

func toHistoryItem(e *domain.HistoryEntry, withResult bool) historyItem {
	item := historyItem{
		Hash:       e.Hash,
		RecipeName: e.RecipeName,
		InputText:  e.InputText,
		HasImage:   e.ImageKey != "",
		CreatedAt:  e.CreatedAt,
	}
	if withResult {
		item.Result = e.Result
	}
	return item
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListHistory(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		s.logger.Error("list history failed", "error", err)
		return
	}
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, toHistoryItem(e, false))
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	entry, err := s.service.GetHistory(r.Context(), hash)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to get history entry")
		s.logger.Error("get history failed", "hash", hash, "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toHistoryItem(entry, true))
}

func (s *Server) handleHistoryImage(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	reader, mimeType, err := s.service.HistoryImage(r.Context(), hash)
	if errors.Is(err, history.ErrNotFound) || errors.Is(err, photostore.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read image")
		s.logger.Error("get history image failed", "hash", hash, "error", err)
		return
	}
	defer closeWithLog(reader, "photo reader", s.logger)

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("write photo failed", "hash", hash, "error", err)
	}
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	err := s.service.DeleteHistory(r.Context(), hash)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete history entry")
		s.logger.Error("delete history failed", "hash", hash, "error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.ClearHistory(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to clear history")
		s.logger.Error("clear history failed", "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
