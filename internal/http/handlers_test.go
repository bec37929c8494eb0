package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/format"
	"github.com/Cypherspark/wa-gate/internal/gate"
	httpapi "github.com/Cypherspark/wa-gate/internal/http"
	"github.com/Cypherspark/wa-gate/internal/provider"
	"github.com/Cypherspark/wa-gate/internal/session"
	"github.com/Cypherspark/wa-gate/internal/tenant"
)

type fakeOutbox struct {
	mu   sync.Mutex
	keys map[string]string
	reqs []core.EnqueueRequest
}

func (f *fakeOutbox) EnqueueNotification(_ context.Context, r core.EnqueueRequest) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.TenantID == "" {
		return "", false, core.ErrInvalidInput
	}
	if r.IdempotencyKey != nil {
		if id, ok := f.keys[*r.IdempotencyKey]; ok {
			return id, true, nil
		}
	}
	f.reqs = append(f.reqs, r)
	id := "job-" + string(rune('0'+len(f.reqs)))
	if r.IdempotencyKey != nil {
		f.keys[*r.IdempotencyKey] = id
	}
	return id, false, nil
}

func (f *fakeOutbox) QueryJobs(_ context.Context, jf core.JobFilter) ([]core.Job, error) {
	if jf.TenantID == "boom" {
		return nil, errors.New("db down")
	}
	return []core.Job{{ID: "job-1", TenantID: jf.TenantID, Status: core.JobDone}}, nil
}

type okChecker struct{}

func (okChecker) InstanceStatus(context.Context, string, string, string) (string, error) {
	return "authenticated/connected", nil
}

type env struct {
	handler  http.Handler
	sessions *session.Memory
	outbox   *fakeOutbox
	sends    *atomic.Int32
}

func newEnv(t *testing.T, webhookLimit int) *env {
	t.Helper()
	var sends atomic.Int32
	prov := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		_, _ = io.WriteString(w, `{"sent":true,"message":"ok","id":"abc"}`)
	}))
	t.Cleanup(prov.Close)

	sessions := session.NewMemory(session.Options{})
	tenants := tenant.NewMemory(core.ProviderInstanceConfig{
		TenantID: "tenant-a", InstanceID: "instance1", Token: "tok", BaseURL: prov.URL,
		Status: core.ProviderActive, MessagingEnabled: true,
	})
	resolver := tenant.NewResolver(tenants, okChecker{}, 0, zerolog.Nop())
	g, err := gate.New(gate.Deps{
		Sessions:  sessions,
		Resolver:  resolver,
		Formatter: format.MustNew(),
		Sender:    provider.NewClient(provider.Config{}),
	}, gate.Options{MessagingEnabled: true})
	require.NoError(t, err)

	outbox := &fakeOutbox{keys: map[string]string{}}
	srv := httpapi.NewServer(httpapi.Deps{
		Outbox:           outbox,
		Sessions:         sessions,
		Tenants:          resolver,
		Gate:             g,
		WebhookRateLimit: webhookLimit,
		Logger:           zerolog.Nop(),
	})
	return &env{handler: srv.Router(), sessions: sessions, outbox: outbox, sends: &sends}
}

func (e *env) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const dispatchBody = `{"phone":"+20 123 456 7890","tenant_id":"tenant-a","kind":"your_turn","ticket_id":"t1",
	"event":{"ticket_number":"B-7","organization_name":"Nile Clinic","department_name":"Lab"}}`

func inbound(from string, fromMe bool, instance string) string {
	b, _ := json.Marshal(map[string]any{
		"event_type": "message_received",
		"instanceId": instance,
		"data":       map[string]any{"from": from, "body": "hi", "fromMe": fromMe},
	})
	return string(b)
}

func TestInboundThenDispatch(t *testing.T) {
	e := newEnv(t, 0)

	w := e.do(t, "POST", "/v1/dispatch", dispatchBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped_no_session", decode(t, w)["outcome"])
	assert.Zero(t, e.sends.Load())

	w = e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", inbound("201234567890@c.us", false, "instance1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "session", decode(t, w)["status"])

	w = e.do(t, "POST", "/v1/dispatch", dispatchBody)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "sent", out["outcome"])
	assert.Equal(t, "abc", out["provider_message_id"])
	assert.EqualValues(t, 1, e.sends.Load())

	w = e.do(t, "GET", "/v1/sessions/201234567890?tenant_id=tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["active"])

	w = e.do(t, "DELETE", "/v1/sessions/201234567890?tenant_id=tenant-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["deactivated"])

	w = e.do(t, "GET", "/v1/sessions/201234567890?tenant_id=tenant-a", "")
	assert.Equal(t, false, decode(t, w)["active"])
}

func TestInboundWebhook_Rejections(t *testing.T) {
	e := newEnv(t, 0)

	w := e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", inbound("201234567890@c.us", true, "instance1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])

	w = e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", `{"event_type":"ack","instanceId":"instance1"}`)
	assert.Equal(t, "ignored", decode(t, w)["status"])

	w = e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", inbound("201234567890@c.us", false, "other"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "POST", "/v1/webhooks/tenant-x/inbound", inbound("201234567890@c.us", false, "instance1"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", inbound("12@c.us", false, "instance1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", `{nope`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ok, err := e.sessions.HasActiveSession(context.Background(), "201234567890", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInboundWebhook_RateLimited(t *testing.T) {
	e := newEnv(t, 2)
	body := inbound("201234567890@c.us", true, "instance1")
	assert.Equal(t, http.StatusOK, e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", body).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", body).Code)
	w := e.do(t, "POST", "/v1/webhooks/tenant-a/inbound", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_exceeded", decode(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestNotifications_EnqueueIdempotentAndList(t *testing.T) {
	e := newEnv(t, 0)

	w := e.do(t, "POST", "/v1/notifications", dispatchBody, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusAccepted, w.Code)
	first := decode(t, w)["id"]

	w = e.do(t, "POST", "/v1/notifications", dispatchBody, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first, decode(t, w)["id"])
	require.Len(t, e.outbox.reqs, 1)
	assert.Equal(t, core.KindYourTurn, e.outbox.reqs[0].Kind)
	assert.Equal(t, "B-7", e.outbox.reqs[0].Event.TicketNumber)

	w = e.do(t, "POST", "/v1/notifications", `{"phone":"201234567890"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "GET", "/v1/notifications?tenant_id=tenant-a&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.EqualValues(t, 10, out["limit"])
	assert.Len(t, out["items"], 1)

	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", "/v1/notifications", "").Code)
	assert.Equal(t, http.StatusInternalServerError, e.do(t, "GET", "/v1/notifications?tenant_id=boom", "").Code)
}

func TestDispatch_BadBody(t *testing.T) {
	e := newEnv(t, 0)
	w := e.do(t, "POST", "/v1/dispatch", `{"phone":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProviderStatus(t *testing.T) {
	e := newEnv(t, 0)

	w := e.do(t, "GET", "/v1/tenants/tenant-a/provider/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "authenticated/connected", out["detail"])

	w = e.do(t, "GET", "/v1/tenants/nobody/provider/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "provider_not_configured", decode(t, w)["error"])
}

func TestHealthAndDocs(t *testing.T) {
	e := newEnv(t, 0)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/metrics", "").Code)

	w := e.do(t, "GET", "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/v1/webhooks/{tenantID}/inbound")
	assert.Contains(t, e.do(t, "GET", "/docs", "").Body.String(), "redoc")

	notReady := httpapi.NewServer(httpapi.Deps{
		Ready:  func(context.Context) error { return errors.New("db down") },
		Logger: zerolog.Nop(),
	}).Router()
	w = httptest.NewRecorder()
	notReady.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
