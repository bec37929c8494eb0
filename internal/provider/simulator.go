package provider

import (
	"context"
	"crypto/rand"
	"sync/atomic"

	"github.com/Cypherspark/wa-gate/internal/core"
)

// Simulator stands in for the provider in debug mode. It never touches the
// network and always reports success.
type Simulator struct {
	calls atomic.Int64
}

func NewSimulator() *Simulator { return &Simulator{} }

func (s *Simulator) Send(ctx context.Context, _ core.ProviderInstanceConfig, _ Message) (*SendResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RequestError{Err: err}
	}
	s.calls.Add(1)
	return &SendResponse{
		Sent:      true,
		Message:   "ok",
		ID:        "debug-" + randomID(),
		Simulated: true,
	}, nil
}

// Calls reports how many sends were simulated.
func (s *Simulator) Calls() int64 { return s.calls.Load() }

func randomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}
