// Package gate is the outbound dispatch policy: every WhatsApp message leaves
// through Gate.Dispatch, which decides whether sending is permitted and
// turns the provider's reply into a DispatchResult.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/metrics"
	"github.com/Cypherspark/wa-gate/internal/provider"
	"github.com/Cypherspark/wa-gate/internal/session"
	"github.com/Cypherspark/wa-gate/internal/tenant"
)

const (
	// DefaultSendTimeout bounds the whole SEND step, retry included.
	DefaultSendTimeout     = 25 * time.Second
	DefaultReferenceBucket = 5 * time.Minute
)

var tracer = otel.Tracer("wa-gate/gate")

// ConfigResolver resolves a tenant to its provider instance config.
type ConfigResolver interface {
	GetTenantConfig(ctx context.Context, tenantID string) (core.ProviderInstanceConfig, error)
}

type Formatter interface {
	Format(ev core.NotificationEvent) (string, error)
}

type Deps struct {
	Sessions  session.Store
	Resolver  ConfigResolver
	Formatter Formatter
	Sender    provider.Sender
	// Simulator replaces Sender in debug mode. Defaults to provider.NewSimulator().
	Simulator provider.Sender
}

type Options struct {
	MessagingEnabled bool
	DebugMode        bool
	// BypassSessionCheck skips CHECK_SESSION. Diagnostic tooling only.
	BypassSessionCheck bool
	SendTimeout        time.Duration
	ReferenceBucket    time.Duration
	Now                func() time.Time
	Logger             zerolog.Logger
}

// Request is one dispatch. Message, when set, is sent verbatim; otherwise
// the body is rendered from Kind and Event.
type Request struct {
	Phone    string                  `json:"phone"`
	TenantID string                  `json:"tenant_id"`
	Kind     core.NotificationKind   `json:"kind,omitempty"`
	Message  string                  `json:"message,omitempty"`
	Event    *core.NotificationEvent `json:"event,omitempty"`
	TicketID string                  `json:"ticket_id,omitempty"`
	Priority int                     `json:"priority,omitempty"`
}

type Gate struct {
	sessions  session.Store
	resolver  ConfigResolver
	formatter Formatter
	sender    provider.Sender
	simulator provider.Sender
	opts      Options
	logger    zerolog.Logger
}

// New validates the wiring and returns a Gate. Missing collaborators are
// reported here rather than on the first dispatch.
func New(deps Deps, opts Options) (*Gate, error) {
	var errs []error
	if deps.Sessions == nil {
		errs = append(errs, errors.New("session store is required"))
	}
	if deps.Resolver == nil {
		errs = append(errs, errors.New("config resolver is required"))
	}
	if deps.Formatter == nil {
		errs = append(errs, errors.New("formatter is required"))
	}
	if deps.Sender == nil && !opts.DebugMode {
		errs = append(errs, errors.New("provider sender is required unless debug mode is on"))
	}
	if opts.SendTimeout < 0 || opts.ReferenceBucket < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("gate: %w", errors.Join(errs...))
	}
	if deps.Simulator == nil {
		deps.Simulator = provider.NewSimulator()
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.ReferenceBucket == 0 {
		opts.ReferenceBucket = DefaultReferenceBucket
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Gate{
		sessions:  deps.Sessions,
		resolver:  deps.Resolver,
		formatter: deps.Formatter,
		sender:    deps.Sender,
		simulator: deps.Simulator,
		opts:      opts,
		logger:    opts.Logger,
	}
	if opts.BypassSessionCheck {
		g.logger.Warn().Bool("session_bypass", true).Msg("gate constructed with session check bypass")
	}
	return g, nil
}

// Dispatch runs one request through the policy pipeline. It never returns an
// error; every failure is a tagged result.
func (g *Gate) Dispatch(ctx context.Context, req Request) (res core.DispatchResult) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "gate.Dispatch", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("notification.kind", string(req.Kind)),
	))
	defer span.End()

	phone := core.NormalizePhone(req.Phone)
	defer func() {
		if p := recover(); p != nil {
			res = failure(core.OutcomeInternalError, fmt.Errorf("panic: %v", p))
		}
		g.finish(span, req, phone, res, time.Since(start))
	}()

	// VALIDATE
	if err := validate(req, phone); err != nil {
		return failure(core.OutcomeInternalError, err)
	}

	// CHECK_ENABLED (global)
	if !g.opts.MessagingEnabled {
		return failure(core.OutcomeSkippedDisabled, fmt.Errorf("%w: messaging disabled", core.ErrFeatureDisabled))
	}

	// RESOLVE_PROVIDER
	cfg, err := g.resolver.GetTenantConfig(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, core.ErrProviderNotConfigured) {
			return failure(core.OutcomeProviderError, err)
		}
		return failure(core.OutcomeInternalError, err)
	}
	if !cfg.MessagingEnabled {
		return failure(core.OutcomeSkippedDisabled, fmt.Errorf("%w: messaging disabled for tenant", core.ErrFeatureDisabled))
	}
	if err := tenant.CheckStatus(cfg); err != nil {
		return failure(core.OutcomeProviderError, err)
	}

	// CHECK_SESSION
	bypassed := false
	if g.opts.BypassSessionCheck {
		bypassed = true
		metrics.SessionChecks.WithLabelValues("bypassed").Inc()
		g.logger.Warn().
			Bool("session_bypass", true).
			Str("tenant_id", req.TenantID).
			Str("phone", core.MaskPhone(phone)).
			Msg("session check bypassed")
	} else {
		ok, err := g.sessions.HasActiveSession(ctx, phone, req.TenantID)
		switch {
		case err != nil:
			metrics.SessionChecks.WithLabelValues("error").Inc()
			return failure(core.OutcomeInternalError, fmt.Errorf("%w: %v", core.ErrSessionStoreError, err))
		case !ok:
			metrics.SessionChecks.WithLabelValues("none").Inc()
			return failure(core.OutcomeSkippedNoSession, core.ErrNoActiveSession)
		}
		metrics.SessionChecks.WithLabelValues("active").Inc()
	}

	// FORMAT
	body, err := g.body(req, phone)
	if err != nil {
		return failure(core.OutcomeInternalError, err)
	}

	// SEND
	refID := ReferenceID(req.TenantID, ticketID(req), kind(req), g.opts.Now(), g.opts.ReferenceBucket)
	sender := g.sender
	if g.opts.DebugMode {
		sender = g.simulator
	}
	sendCtx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
	defer cancel()
	resp, err := sender.Send(sendCtx, cfg, provider.Message{
		To:          phone,
		Body:        body,
		Priority:    req.Priority,
		ReferenceID: refID,
	})
	res = interpret(resp, err)
	res.ReferenceID = refID
	res.SessionBypassed = bypassed
	res.Simulated = resp != nil && resp.Simulated
	return res
}

func (g *Gate) body(req Request, phone string) (string, error) {
	if msg := strings.TrimSpace(req.Message); msg != "" {
		return msg, nil
	}
	ev := core.NotificationEvent{}
	if req.Event != nil {
		ev = *req.Event
	}
	ev.Phone = phone
	ev.TenantID = req.TenantID
	ev.Kind = req.Kind
	if req.TicketID != "" {
		ev.TicketID = req.TicketID
	}
	return g.formatter.Format(ev)
}

func (g *Gate) finish(span trace.Span, req Request, phone string, res core.DispatchResult, took time.Duration) {
	metrics.DispatchTotal.WithLabelValues(string(res.Outcome), res.ErrorCode).Inc()
	metrics.DispatchDuration.Observe(took.Seconds())
	span.SetAttributes(attribute.String("dispatch.outcome", string(res.Outcome)))
	if res.ErrorCode != "" {
		span.SetStatus(codes.Error, res.ErrorCode)
	}

	var ev *zerolog.Event
	switch res.Outcome {
	case core.OutcomeSent, core.OutcomeSkippedNoSession, core.OutcomeSkippedDisabled:
		ev = g.logger.Info()
	case core.OutcomeInternalError:
		ev = g.logger.Error()
	default:
		ev = g.logger.Warn()
	}
	ev = ev.
		Str("tenant_id", req.TenantID).
		Str("phone", core.MaskPhone(phone)).
		Str("kind", string(kind(req))).
		Str("outcome", string(res.Outcome)).
		Dur("took", took)
	if res.ErrorCode != "" {
		ev = ev.Str("error_code", res.ErrorCode).Str("reason", res.Reason)
	}
	if res.ReferenceID != "" {
		ev = ev.Str("reference_id", res.ReferenceID)
	}
	if res.ProviderMessageID != "" {
		ev = ev.Str("provider_message_id", res.ProviderMessageID)
	}
	if res.StatusCode != 0 {
		ev = ev.Int("status_code", res.StatusCode)
	}
	if res.Simulated {
		ev = ev.Bool("simulated", true)
	}
	if res.SessionBypassed {
		ev = ev.Bool("session_bypass", true)
	}
	ev.Msg("dispatch finished")
}

func validate(req Request, phone string) error {
	var problems []string
	if strings.TrimSpace(req.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if !core.ValidPhone(phone) {
		problems = append(problems, "phone must be 7 to 15 digits")
	}
	if strings.TrimSpace(req.Message) == "" {
		if req.Kind == "" {
			problems = append(problems, "kind or message is required")
		} else if !req.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("unknown kind %q", req.Kind))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", core.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// interpret maps the provider's reply onto a DispatchResult.
func interpret(resp *provider.SendResponse, err error) core.DispatchResult {
	var reqErr *provider.RequestError
	var malErr *provider.MalformedResponseError
	switch {
	case errors.As(err, &malErr):
		res := failure(core.OutcomeMalformedResponse, err)
		res.StatusCode = malErr.StatusCode
		res.RawPayload = malErr.Body
		return res
	case errors.As(err, &reqErr):
		res := failure(core.OutcomeProviderError, err)
		res.StatusCode = reqErr.StatusCode
		res.RawPayload = reqErr.Body
		return res
	case err != nil:
		return failure(core.OutcomeProviderError, fmt.Errorf("%w: %v", core.ErrProviderRequestFailed, err))
	case resp == nil:
		return failure(core.OutcomeMalformedResponse, fmt.Errorf("%w: empty reply", core.ErrMalformedProviderResponse))
	case !resp.Sent:
		res := failure(core.OutcomeProviderError, fmt.Errorf("%w: %s", core.ErrProviderReportedFailure, resp.Message))
		res.StatusCode = resp.StatusCode
		res.RawPayload = resp.Raw
		return res
	}
	return core.DispatchResult{
		Outcome:           core.OutcomeSent,
		ProviderMessageID: resp.ID,
		Reason:            resp.Message,
		StatusCode:        resp.StatusCode,
		RawPayload:        resp.Raw,
	}
}

func failure(outcome core.Outcome, err error) core.DispatchResult {
	return core.DispatchResult{
		Outcome:   outcome,
		ErrorCode: core.ErrorCode(err),
		Reason:    err.Error(),
	}
}

func ticketID(req Request) string {
	if req.TicketID != "" {
		return req.TicketID
	}
	if req.Event != nil {
		return req.Event.TicketID
	}
	return ""
}

func kind(req Request) core.NotificationKind {
	if req.Kind == "" && strings.TrimSpace(req.Message) != "" {
		return "raw"
	}
	return req.Kind
}
