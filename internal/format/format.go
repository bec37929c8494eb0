// Package format renders notification events into WhatsApp message bodies.
package format

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/Cypherspark/wa-gate/internal/core"
)

// ErrUnknownKind is returned for a kind without a template. Callers are
// expected to validate kinds first, so seeing it indicates a bug.
var ErrUnknownKind = errors.New("format: unknown notification kind")

var defaultTemplates = map[core.NotificationKind]string{
	core.KindTicketCreated: `Hello from {{.OrganizationName}}! Your ticket number is {{.TicketNumber}}` +
		`{{if .DepartmentName}} for {{.DepartmentName}}{{end}}.` +
		`{{if gt .QueuePosition 0}} {{if eq .QueuePosition 1}}There is 1 person{{else}}There are {{.QueuePosition}} people{{end}} ahead of you.{{end}}` +
		` We will message you when your turn is near.`,
	core.KindAlmostYourTurn: `{{.OrganizationName}}: your turn is almost here. Ticket {{.TicketNumber}}` +
		`{{if .DepartmentName}} at {{.DepartmentName}}{{end}}` +
		`{{if .CurrentServing}}, now serving {{.CurrentServing}}{{end}}. Please make your way back.`,
	core.KindYourTurn: `{{.OrganizationName}}: it's your turn! Ticket {{.TicketNumber}}, please proceed` +
		`{{if .DepartmentName}} to {{.DepartmentName}}{{end}}.`,
}

// Formatter holds one parsed template per notification kind.
type Formatter struct {
	templates map[core.NotificationKind]*template.Template
}

// New parses the default templates with any overrides applied. Every kind in
// core.Kinds must end up with a template.
func New(overrides map[core.NotificationKind]string) (*Formatter, error) {
	f := &Formatter{templates: make(map[core.NotificationKind]*template.Template, len(core.Kinds))}
	for kind := range overrides {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
	}
	for _, kind := range core.Kinds {
		text := defaultTemplates[kind]
		if o, ok := overrides[kind]; ok {
			text = o
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("format: empty template for %s", kind)
		}
		t, err := template.New(string(kind)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("format: parse %s: %w", kind, err)
		}
		f.templates[kind] = t
	}
	return f, nil
}

// MustNew is New for package-level defaults; it panics on bad templates.
func MustNew() *Formatter {
	f, err := New(nil)
	if err != nil {
		panic(err)
	}
	return f
}

// Format renders the event. It has no side effects.
func (f *Formatter) Format(ev core.NotificationEvent) (string, error) {
	t, ok := f.templates[ev.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	if strings.TrimSpace(ev.TicketNumber) == "" || strings.TrimSpace(ev.OrganizationName) == "" {
		return "", fmt.Errorf("%w: ticket_number and organization_name are required", core.ErrInvalidInput)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ev); err != nil {
		return "", fmt.Errorf("format: execute %s: %w", ev.Kind, err)
	}
	return buf.String(), nil
}
