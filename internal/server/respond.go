package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

// writeError maps a core error onto the HTTP surface. Integrity errors log
// with full context and surface generalized; everything else returns its
// sanitized public message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errs.As(err)
	if !ok {
		s.log.Error("unclassified error", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeErrorBody(w, http.StatusInternalServerError, &errorBody{
			Code: "INTERNAL", Message: "internal error",
		})
		return
	}
	if e.Critical() {
		s.log.Error("integrity violation",
			zap.String("path", r.URL.Path),
			zap.String("code", e.Code),
			zap.Error(e))
	}
	s.writeErrorBody(w, e.HTTPStatus(), &errorBody{
		Code:    e.Code,
		Message: e.PublicMessage(),
		Details: e.Details,
	})
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, body *errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: body}); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errs.Validation("INVALID_REQUEST", "request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("INVALID_REQUEST", "malformed request body")
	}
	return nil
}
