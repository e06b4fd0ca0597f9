package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vbonduro/nutrilens/internal/chat"
	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/history"
	"github.com/vbonduro/nutrilens/internal/llm"
)

const maxChatBody = 64 * 1024

type chatTurn struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

type chatSession struct {
	ID         string     `json:"id"`
	RecipeName string     `json:"recipe_name"`
	CreatedAt  time.Time  `json:"created_at"`
	Turns      []chatTurn `json:"turns"`
}

func toChatSession(sess *chat.Session) chatSession {
	turns := sess.Turns()
	out := chatSession{
		ID:         sess.ID,
		RecipeName: sess.RecipeName,
		CreatedAt:  sess.CreatedAt,
		Turns:      make([]chatTurn, 0, len(turns)),
	}
	for _, t := range turns {
		out.Turns = append(out.Turns, chatTurn{Role: t.Role, Text: t.Text})
	}
	return out
}

func (s *Server) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&body); err != nil || body.Hash == "" {
		s.writeError(w, http.StatusBadRequest, "a history hash is required")
		return
	}

	sess, err := s.service.OpenChat(r.Context(), body.Hash)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to open chat")
		s.logger.Error("open chat failed", "hash", body.Hash, "error", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toChatSession(sess))
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.ChatSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "chat session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toChatSession(sess))
}

func (s *Server) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	s.service.CloseChat(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleSendChat streams the model's reply as SSE. Each event carries
// {"text":"..."}; a failed reply carries the fallback text with
// "error":true. The stream ends with a "done" event holding the priced usage
// when the backend reported it.
func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.service.ChatSession(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "chat session not found")
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.clearWriteDeadline(w)
	events, err := sess.Send(r.Context(), body.Message)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, chat.ErrTurnInFlight):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, llm.ErrMissingAPIKey):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "an API key is required before chatting",
			"code":  "api_key_required",
		})
		return
	case err != nil:
		s.logger.Info("chat send aborted", "session_id", id, "error", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, canFlush := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for ev := range events {
		if ev.Done {
			if _, err := w.Write([]byte("event: done\ndata: ")); err != nil {
				return
			}
			if err := enc.Encode(map[string]any{"usage": ev.Usage}); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			break
		}

		payload := map[string]any{"text": ev.Text}
		if ev.Err != nil {
			payload["error"] = true
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if err := enc.Encode(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
	if canFlush {
		flusher.Flush()
	}
}
