package api

import (
	"errors"
	"net/http"

	"github.com/odvcencio/deployfix/internal/auth"
	"github.com/odvcencio/deployfix/internal/service"
)

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "deployment id")
	if !ok {
		return
	}
	claims := auth.GetClaims(r.Context())
	d, err := s.svc.GetDeployment(r.Context(), claims.UserID, id)
	if err != nil {
		s.deploymentError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, d)
}

func (s *Server) handleRetryDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "deployment id")
	if !ok {
		return
	}
	claims := auth.GetClaims(r.Context())
	d, err := s.svc.RetryDeployment(r.Context(), claims.UserID, id)
	if err != nil {
		s.deploymentError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, d)
}

func (s *Server) deploymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		jsonError(w, "deployment not found", http.StatusNotFound)
	case errors.Is(err, service.ErrNotRetryable):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrAttemptsExhausted):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("deployment request failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
