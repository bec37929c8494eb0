package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/gate"
	"github.com/Cypherspark/wa-gate/internal/metrics"
	"github.com/Cypherspark/wa-gate/internal/session"
	"github.com/Cypherspark/wa-gate/internal/tenant"
)

// Outbox is the part of core.Store the API uses.
type Outbox interface {
	EnqueueNotification(ctx context.Context, r core.EnqueueRequest) (string, bool, error)
	QueryJobs(ctx context.Context, f core.JobFilter) ([]core.Job, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req gate.Request) core.DispatchResult
}

// Tenants resolves provider configs and runs connection tests.
type Tenants interface {
	GetTenantConfig(ctx context.Context, tenantID string) (core.ProviderInstanceConfig, error)
	TestTenant(ctx context.Context, tenantID string, update bool) (tenant.ConnectionResult, error)
}

type Deps struct {
	Outbox   Outbox
	Sessions session.Store
	Tenants  Tenants
	Gate     Dispatcher
	// Ready reports whether backing services are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// WebhookRateLimit is requests per minute per client IP on the inbound webhook.
	WebhookRateLimit int
	Logger           zerolog.Logger
}

type Server struct {
	outbox   Outbox
	sessions session.Store
	tenants  Tenants
	gate     Dispatcher
	ready    func(ctx context.Context) error
	webhookN int
	logger   zerolog.Logger
}

func NewServer(d Deps) *Server {
	if d.WebhookRateLimit <= 0 {
		d.WebhookRateLimit = 600
	}
	return &Server{
		outbox:   d.Outbox,
		sessions: d.Sessions,
		tenants:  d.Tenants,
		gate:     d.Gate,
		ready:    d.Ready,
		webhookN: d.WebhookRateLimit,
		logger:   d.Logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", s.dispatch)
		r.Post("/notifications", s.postNotification)
		r.Get("/notifications", s.listNotifications)
		r.Get("/sessions/{phone}", s.getSession)
		r.Delete("/sessions/{phone}", s.deleteSession)
		r.Get("/tenants/{tenantID}/provider/status", s.providerStatus)
		r.With(rateLimit(s.webhookN, time.Minute)).Post("/webhooks/{tenantID}/inbound", s.inboundWebhook)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

// statusFor maps a taxonomy error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrProviderNotConfigured):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var in gate.Request
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	// Every gate outcome is a valid answer; the caller reads the tag.
	writeJSON(w, http.StatusOK, s.gate.Dispatch(r.Context(), in))
}

func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TenantID string                  `json:"tenant_id"`
		Phone    string                  `json:"phone"`
		Kind     core.NotificationKind   `json:"kind"`
		Message  string                  `json:"message"`
		Event    *core.NotificationEvent `json:"event"`
		TicketID string                  `json:"ticket_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		metrics.APIEnqueue.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var key *string
	if idemp := r.Header.Get("Idempotency-Key"); idemp != "" {
		key = &idemp
	}
	id, already, err := s.outbox.EnqueueNotification(r.Context(), core.EnqueueRequest{
		TenantID:       in.TenantID,
		Phone:          in.Phone,
		Kind:           in.Kind,
		Message:        in.Message,
		Event:          in.Event,
		TicketID:       in.TicketID,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			metrics.APIEnqueue.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, core.ErrorCode(err), err.Error())
			return
		}
		metrics.APIEnqueue.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("tenant_id", in.TenantID).Msg("enqueue notification")
		writeError(w, http.StatusInternalServerError, "internal", "enqueue failed")
		return
	}
	status := http.StatusAccepted
	if already {
		status = http.StatusOK
		metrics.APIEnqueue.WithLabelValues("idempotent").Inc()
	} else {
		metrics.APIEnqueue.WithLabelValues("ok").Inc()
	}
	writeJSON(w, status, map[string]string{"id": id})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.JobFilter{TenantID: q.Get("tenant_id"), Limit: 50}
	if f.TenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tenant_id is required")
		return
	}
	if v := q.Get("outcome"); v != "" {
		o := core.Outcome(v)
		f.Outcome = &o
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	items, err := s.outbox.QueryJobs(r.Context(), f)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", f.TenantID).Msg("query jobs")
		writeError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}
	if items == nil {
		items = []core.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	tenantID := r.URL.Query().Get("tenant_id")
	sess, err := s.sessions.ActiveSession(r.Context(), phone, tenantID)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		s.logger.Error().Err(err).Str("phone", core.MaskPhone(core.NormalizePhone(phone))).Msg("session lookup")
		writeError(w, http.StatusServiceUnavailable, "session_store_error", "session store unavailable")
		return
	}
	out := map[string]any{"phone": core.NormalizePhone(phone), "active": sess != nil}
	if sess != nil {
		out["session"] = sess
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	n, err := s.sessions.DeactivateSession(r.Context(), phone, r.URL.Query().Get("tenant_id"))
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("deactivate session")
		writeError(w, http.StatusServiceUnavailable, "session_store_error", "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deactivated": n})
}

func (s *Server) providerStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	update, _ := strconv.ParseBool(r.URL.Query().Get("update"))
	res, err := s.tenants.TestTenant(r.Context(), tenantID, update)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("provider status")
		}
		writeError(w, status, core.ErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
