package core

import (
	"encoding/json"
	"time"
)

type NotificationKind string

const (
	KindTicketCreated  NotificationKind = "ticket_created"
	KindAlmostYourTurn NotificationKind = "almost_your_turn"
	KindYourTurn       NotificationKind = "your_turn"
)

// Kinds lists every notification kind the formatter must render.
var Kinds = []NotificationKind{KindTicketCreated, KindAlmostYourTurn, KindYourTurn}

func (k NotificationKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Session is a time-boxed permission to message a phone for a tenant.
// TenantID is nil for legacy rows written before sessions were tenant scoped.
type Session struct {
	ID        string     `json:"id"`
	Phone     string     `json:"phone"`
	TenantID  *string    `json:"tenant_id,omitempty"`
	Active    bool       `json:"active"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Effective reports whether the session currently permits outbound messages.
func (s Session) Effective(now time.Time) bool {
	return s.Active && s.ExpiresAt.After(now)
}

type ProviderStatus string

const (
	ProviderActive    ProviderStatus = "active"
	ProviderSuspended ProviderStatus = "suspended"
	ProviderUnknown   ProviderStatus = "unknown"
	ProviderErrored   ProviderStatus = "error"
)

func (s ProviderStatus) Valid() bool {
	switch s {
	case ProviderActive, ProviderSuspended, ProviderUnknown, ProviderErrored:
		return true
	}
	return false
}

// ProviderInstanceConfig holds the messaging provider credentials of one tenant.
type ProviderInstanceConfig struct {
	TenantID         string         `json:"tenant_id"`
	InstanceID       string         `json:"instance_id"`
	Token            string         `json:"token"`
	BaseURL          string         `json:"base_url"`
	Status           ProviderStatus `json:"status"`
	MessagingEnabled bool           `json:"messaging_enabled"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NotificationEvent is an intent to notify a customer about their ticket.
type NotificationEvent struct {
	Phone            string           `json:"phone"`
	Kind             NotificationKind `json:"kind"`
	TenantID         string           `json:"tenant_id"`
	TicketID         string           `json:"ticket_id,omitempty"`
	TicketNumber     string           `json:"ticket_number,omitempty"`
	QueuePosition    int              `json:"queue_position,omitempty"`
	CurrentServing   string           `json:"current_serving,omitempty"`
	DepartmentName   string           `json:"department_name,omitempty"`
	OrganizationName string           `json:"organization_name,omitempty"`
}

type Outcome string

const (
	OutcomeSent              Outcome = "sent"
	OutcomeSkippedNoSession  Outcome = "skipped_no_session"
	OutcomeSkippedDisabled   Outcome = "skipped_disabled"
	OutcomeProviderError     Outcome = "provider_error"
	OutcomeMalformedResponse Outcome = "malformed_response"
	OutcomeInternalError     Outcome = "internal_error"
)

// DispatchResult is the outcome of one dispatch attempt.
type DispatchResult struct {
	Outcome           Outcome `json:"outcome"`
	ErrorCode         string  `json:"error_code,omitempty"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	StatusCode        int     `json:"status_code,omitempty"`
	RawPayload        string  `json:"raw_payload,omitempty"`
	ReferenceID       string  `json:"reference_id,omitempty"`
	Simulated         bool    `json:"simulated,omitempty"`
	SessionBypassed   bool    `json:"session_bypassed,omitempty"`
}

// Job is one queued notification in the outbox.
// Claim is a job moved to dispatching, with the attempt count including the
// claim itself.
type Claim struct {
	ID       string
	Attempts int
}

type Job struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	Phone             string           `json:"phone"`
	Kind              NotificationKind `json:"kind,omitempty"`
	Message           string           `json:"message,omitempty"`
	Event             json.RawMessage  `json:"event,omitempty"`
	TicketID          string           `json:"ticket_id,omitempty"`
	Status            string           `json:"status"`
	Outcome           *Outcome         `json:"outcome,omitempty"`
	ErrorCode         *string          `json:"error_code,omitempty"`
	ProviderMessageID *string          `json:"provider_message_id,omitempty"`
	Reason            *string          `json:"reason,omitempty"`
	RequestedAt       time.Time        `json:"requested_at"`
	DispatchedAt      *time.Time       `json:"dispatched_at,omitempty"`
	Attempts          int              `json:"attempts"`
}

const (
	JobQueued      = "queued"
	JobDispatching = "dispatching"
	JobDone        = "done"
	JobFailed      = "failed"
)
