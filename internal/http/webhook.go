package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/metrics"
)

const eventMessageReceived = "message_received"

type inboundEvent struct {
	EventType  string `json:"event_type"`
	InstanceID string `json:"instanceId"`
	Data       struct {
		From   string `json:"from"`
		Body   string `json:"body"`
		FromMe bool   `json:"fromMe"`
	} `json:"data"`
}

// inboundWebhook opens or extends the sender's session. It is the only
// route that creates sessions.
func (s *Server) inboundWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var ev inboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		metrics.WebhookTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if ev.EventType != eventMessageReceived || ev.Data.FromMe {
		metrics.WebhookTotal.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	cfg, err := s.tenants.GetTenantConfig(r.Context(), tenantID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			metrics.WebhookTotal.WithLabelValues("error").Inc()
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("webhook tenant lookup")
		} else {
			metrics.WebhookTotal.WithLabelValues("rejected").Inc()
		}
		writeError(w, status, core.ErrorCode(err), "unknown tenant")
		return
	}
	if ev.InstanceID != cfg.InstanceID {
		metrics.WebhookTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn().Str("tenant_id", tenantID).Str("instance_id", ev.InstanceID).Msg("webhook instance mismatch")
		writeError(w, http.StatusForbidden, "instance_mismatch", "instance does not belong to tenant")
		return
	}

	// Provider chat ids look like 201234567890@c.us.
	from, _, _ := strings.Cut(ev.Data.From, "@")
	sess, err := s.sessions.CreateOrExtendSession(r.Context(), from, tenantID)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			metrics.WebhookTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		metrics.WebhookTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("create or extend session")
		writeError(w, http.StatusServiceUnavailable, "session_store_error", "session store unavailable")
		return
	}
	metrics.WebhookTotal.WithLabelValues("session").Inc()
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("phone", core.MaskPhone(sess.Phone)).
		Time("expires_at", sess.ExpiresAt).
		Msg("session opened or extended")
	writeJSON(w, http.StatusOK, map[string]any{"status": "session", "expires_at": sess.ExpiresAt})
}
