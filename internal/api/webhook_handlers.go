package api

import (
	"errors"
	"net/http"

	"github.com/odvcencio/deployfix/internal/service"
	"github.com/odvcencio/deployfix/internal/webhook"
)

const (
	sourceVercel = "vercel"
	sourceGitHub = "github"
	sourceAgent  = "agent"
)

type webhookResponse struct {
	Received bool `json:"received"`
	*service.Result
}

func (s *Server) handleVercelWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, s.maxWebhook)
	if !ok {
		s.hooks.record(sourceVercel, "too_large")
		return
	}
	res, err := s.svc.IngestVercel(r.Context(), body, r.Header.Get(webhook.VercelSignatureHeader))
	s.respondDelivery(w, r, sourceVercel, res, err)
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, s.maxWebhook)
	if !ok {
		s.hooks.record(sourceGitHub, "too_large")
		return
	}
	res, err := s.svc.IngestGitHub(r.Context(), service.GitHubDelivery{
		Event:      r.Header.Get(webhook.GitHubEventHeader),
		DeliveryID: r.Header.Get(webhook.GitHubDeliveryHeader),
		Signature:  r.Header.Get(webhook.GitHubSignatureHeader),
		Body:       body,
	})
	s.respondDelivery(w, r, sourceGitHub, res, err)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parsePathID(w, r, "id", "task id")
	if !ok {
		return
	}
	body, ok := readBody(w, r, s.maxWebhook)
	if !ok {
		s.hooks.record(sourceAgent, "too_large")
		return
	}
	res, err := s.svc.CompleteTask(r.Context(), service.TaskCallback{
		TaskID:    taskID,
		Signature: r.Header.Get(webhook.AgentSignatureHeader),
		Body:      body,
	})
	s.respondDelivery(w, r, sourceAgent, res, err)
}

func (s *Server) respondDelivery(w http.ResponseWriter, r *http.Request, source string, res *service.Result, err error) {
	if err != nil {
		status, msg := deliveryErrorStatus(err)
		s.hooks.record(source, outcomeFromStatus(status))
		if status >= http.StatusInternalServerError {
			s.logger.Error("webhook delivery failed", "source", source, "route", requestRouteLabel(r), "error", err)
		} else {
			s.logger.Warn("webhook delivery rejected", "source", source, "status", status, "error", err)
		}
		jsonError(w, msg, status)
		return
	}
	s.hooks.record(source, res.Action)
	jsonResponse(w, http.StatusOK, webhookResponse{Received: true, Result: res})
}

// deliveryErrorStatus maps intake errors to a status and a client-safe message.
func deliveryErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid payload"
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrSecretUnavailable):
		return http.StatusInternalServerError, "webhook secret not configured"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func outcomeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_payload"
	case http.StatusUnauthorized:
		return "invalid_signature"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}
