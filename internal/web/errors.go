package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/usecase"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
	Row   *int   `json:"row,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrQuoteUnavailable), errors.Is(err, domain.ErrQuoteExpired):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNotPending),
		errors.Is(err, domain.ErrSignalClosed),
		errors.Is(err, domain.ErrBreakevenNotAllowed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var verr *usecase.ValidationError
	if errors.As(err, &verr) {
		resp.Error = verr.Message
		resp.Rule = string(verr.Rule)
		if verr.Row >= 0 {
			row := verr.Row
			resp.Row = &row
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}
