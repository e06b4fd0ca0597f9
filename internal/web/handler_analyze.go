package web

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/vbonduro/nutrilens/internal/llm"
	"github.com/vbonduro/nutrilens/internal/service"
)

const (
	maxPhotoSize = 50 * 1024 * 1024 // 50 MB
	maxTextLen   = 20000
)

// handleAnalyze accepts a multipart or urlencoded form with an optional
// "text" field and an optional "image" file. At least one must be present.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoSize+1<<20)
	if err := r.ParseMultipartForm(maxPhotoSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	text := r.FormValue("text")
	if len(text) > maxTextLen {
		s.writeError(w, http.StatusBadRequest, "recipe text too long")
		return
	}

	var imageData []byte
	file, _, err := r.FormFile("image")
	switch {
	case err == nil:
		defer closeWithLog(file, "upload file", s.logger)
		if imageData, err = io.ReadAll(file); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to read file")
			s.logger.Error("read upload failed", "error", err)
			return
		}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		s.writeError(w, http.StatusBadRequest, "invalid image upload")
		return
	}

	s.clearWriteDeadline(w)
	out, err := s.service.Analyze(r.Context(), service.AnalyzeInput{Text: text, Image: imageData})
	if err != nil {
		s.writeAnalyzeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeAnalyzeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyInput), errors.Is(err, service.ErrUnsupportedImage):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, llm.ErrMissingAPIKey):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "an API key is required before analysing",
			"code":  "api_key_required",
		})
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		s.logger.Info("analysis abandoned by client")
	default:
		s.logger.Error("analysis failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "analysis failed, please try again")
	}
}
