package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/solistra/mailroom/internal/mailer"
	"github.com/solistra/mailroom/internal/message"
)

const maxBodyBytes = 1 << 20 // 1MB, form payloads are tiny

// handleSubmission decodes the form payload and hands it to the
// mailer. The submission type comes from the route, overriding
// whatever the client put in the body.
func (s *Server) handleSubmission(submissionType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var payload mailer.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, mailer.Ack{
				Success: false,
				Message: "invalid JSON payload",
			})
			return
		}
		payload.Type = submissionType

		ack, err := s.submitter.Submit(r.Context(), payload)
		if err != nil {
			var ve *message.ValidationError
			switch {
			case errors.As(err, &ve):
				writeJSON(w, http.StatusBadRequest, ack)
			case errors.Is(err, mailer.ErrDisabled):
				writeJSON(w, http.StatusServiceUnavailable, ack)
			default:
				s.logger.Error("submission failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, mailer.Ack{
					Success: false,
					Message: "internal error",
				})
			}
			return
		}

		writeJSON(w, http.StatusOK, ack)
	}
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status        string    `json:"status"`
	EmailEnabled  bool      `json:"email_enabled"`
	TransportUp   bool      `json:"transport_up"`
	LastProbeAt   time.Time `json:"last_probe_at,omitempty"`
	RetryQueueLen int       `json:"retry_queue_len"`
}

// handleHealth reports readiness. The service itself is always "ok"
// while it can answer; a down transport shows up as transport_up=false
// rather than a non-200, since submissions are still accepted and
// queued.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.health != nil {
		resp.EmailEnabled = true
		resp.TransportUp = s.health.Ready()
		resp.LastProbeAt = s.health.LastCheckedAt()
	}
	if s.retryQueue != nil {
		resp.RetryQueueLen = s.retryQueue.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueue lists pending retry items for operators.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.retryQueue == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": s.retryQueue.Items(),
	})
}
