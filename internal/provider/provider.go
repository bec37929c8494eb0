// Package provider talks to the WhatsApp messaging provider.
package provider

import (
	"context"
	"fmt"

	"github.com/Cypherspark/wa-gate/internal/core"
)

// Sender delivers one message through a tenant's provider instance.
type Sender interface {
	Send(ctx context.Context, cfg core.ProviderInstanceConfig, msg Message) (*SendResponse, error)
}

type Message struct {
	To          string // digits only
	Body        string
	Priority    int
	ReferenceID string
}

// SendResponse is a strictly parsed provider reply. Sent=false means the
// provider accepted the request but reported a failure in Message.
type SendResponse struct {
	Sent       bool
	Message    string
	ID         string
	StatusCode int
	Raw        string
	Simulated  bool
}

// RequestError is a network failure (StatusCode 0) or a non-2xx reply.
type RequestError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider: request failed: %v", e.Err)
	}
	return fmt.Sprintf("provider: http %d", e.StatusCode)
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{core.ErrProviderRequestFailed}
	}
	return []error{core.ErrProviderRequestFailed, e.Err}
}

// MalformedResponseError is a 2xx reply whose body is not {sent, message, id?}.
type MalformedResponseError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("provider: malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() []error {
	return []error{core.ErrMalformedProviderResponse, e.Err}
}
