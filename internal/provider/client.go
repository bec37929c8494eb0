package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultUserAgent = "wa-gate/1.0"
	maxBodyBytes     = 1 << 20
	maxRawBytes      = 4 << 10

	DefaultSendTimeout = 10 * time.Second
	DefaultRetryDelay  = 500 * time.Millisecond
)

var tracer = otel.Tracer("wa-gate/provider")

// Config controls how the provider client behaves.
type Config struct {
	SendTimeout time.Duration // per attempt
	RetryDelay  time.Duration
	// MaxNetworkRetries bounds retries after transport failures. HTTP
	// replies are never retried. Negative disables retries.
	MaxNetworkRetries int
	HTTPClient        *http.Client
	Logger            zerolog.Logger
	UserAgent         string
}

// Client is the HTTP client for provider instances. It is safe for
// concurrent use; tenant credentials are passed per call.
type Client struct {
	http        *http.Client
	sendTimeout time.Duration
	retryDelay  time.Duration
	maxRetries  int
	logger      zerolog.Logger
	userAgent   string
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	retries := cfg.MaxNetworkRetries
	if retries < 0 {
		retries = 0
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		http:        httpClient,
		sendTimeout: timeout,
		retryDelay:  delay,
		maxRetries:  retries,
		logger:      cfg.Logger,
		userAgent:   ua,
	}
}

// Send posts a chat message to {baseUrl}/{instanceId}/messages/chat.
func (c *Client) Send(ctx context.Context, cfg core.ProviderInstanceConfig, msg Message) (*SendResponse, error) {
	ctx, span := tracer.Start(ctx, "provider.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", cfg.TenantID),
		attribute.String("provider.instance_id", cfg.InstanceID),
	)

	form := url.Values{}
	form.Set("token", cfg.Token)
	form.Set("to", msg.To)
	form.Set("body", msg.Body)
	form.Set("priority", strconv.Itoa(msg.Priority))
	if msg.ReferenceID != "" {
		form.Set("referenceId", msg.ReferenceID)
	}
	endpoint := instanceURL(cfg, "messages/chat")
	payload := form.Encode()

	start := time.Now()
	defer func() { metrics.ProviderSendDuration.Observe(time.Since(start).Seconds()) }()

	for attempt := 0; ; attempt++ {
		status, body, err := c.do(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
		if err != nil {
			if attempt < c.maxRetries && shouldRetry(ctx, err) {
				metrics.ProviderRetryTotal.Inc()
				c.logger.Warn().Err(err).
					Str("tenant_id", cfg.TenantID).
					Int("attempt", attempt+1).
					Msg("provider send failed, retrying")
				if sleepErr := c.sleep(ctx); sleepErr != nil {
					err = sleepErr
				} else {
					continue
				}
			}
			metrics.ProviderSendTotal.WithLabelValues("network").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "network")
			return nil, &RequestError{Err: err}
		}
		span.SetAttributes(attribute.Int("http.status_code", status), attribute.Int("provider.attempts", attempt+1))
		if status < 200 || status > 299 {
			metrics.ProviderSendTotal.WithLabelValues("http_error").Inc()
			span.SetStatus(codes.Error, "http "+strconv.Itoa(status))
			return nil, &RequestError{StatusCode: status, Body: truncate(body)}
		}
		resp, err := parseSendResponse(body)
		if err != nil {
			metrics.ProviderSendTotal.WithLabelValues("malformed").Inc()
			span.SetStatus(codes.Error, "malformed")
			return nil, &MalformedResponseError{StatusCode: status, Body: truncate(body), Err: err}
		}
		resp.StatusCode = status
		if resp.Sent {
			metrics.ProviderSendTotal.WithLabelValues("sent").Inc()
		} else {
			metrics.ProviderSendTotal.WithLabelValues("rejected").Inc()
		}
		return resp, nil
	}
}

// InstanceStatus asks the provider whether the instance is authenticated.
// It implements tenant.StatusChecker.
func (c *Client) InstanceStatus(ctx context.Context, instanceID, token, baseURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "provider.instance_status")
	defer span.End()

	cfg := core.ProviderInstanceConfig{InstanceID: instanceID, BaseURL: baseURL}
	endpoint := instanceURL(cfg, "instance/status") + "?" + url.Values{"token": {token}}.Encode()
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		span.RecordError(err)
		return "", &RequestError{Err: err}
	}
	if status < 200 || status > 299 {
		return "", &RequestError{StatusCode: status, Body: truncate(body)}
	}
	var out struct {
		Error  string `json:"error"`
		Status struct {
			AccountStatus struct {
				Status    string `json:"status"`
				SubStatus string `json:"substatus"`
			} `json:"accountStatus"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &MalformedResponseError{StatusCode: status, Body: truncate(body), Err: err}
	}
	if out.Error != "" {
		return "", fmt.Errorf("provider: instance status: %s", out.Error)
	}
	acct := out.Status.AccountStatus
	detail := acct.Status
	if acct.SubStatus != "" {
		detail += "/" + acct.SubStatus
	}
	if acct.Status != "authenticated" {
		return detail, fmt.Errorf("provider: instance not authenticated: %q", detail)
	}
	return detail, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// shouldRetry reports whether a transport error is worth one more attempt.
// Caller cancellation and expired caller deadlines are final.
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// parseSendResponse accepts exactly {"sent": bool, "message": string, "id"?: string}.
func parseSendResponse(body []byte) (*SendResponse, error) {
	var wire struct {
		Sent    *bool   `json:"sent"`
		Message *string `json:"message"`
		ID      *string `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after response object")
	}
	if wire.Sent == nil {
		return nil, errors.New(`missing "sent"`)
	}
	if wire.Message == nil {
		return nil, errors.New(`missing "message"`)
	}
	resp := &SendResponse{Sent: *wire.Sent, Message: *wire.Message, Raw: truncate(body)}
	if wire.ID != nil {
		resp.ID = *wire.ID
	}
	return resp, nil
}

func instanceURL(cfg core.ProviderInstanceConfig, path string) string {
	return strings.TrimRight(cfg.BaseURL, "/") + "/" + url.PathEscape(cfg.InstanceID) + "/" + path
}

func truncate(b []byte) string {
	if len(b) > maxRawBytes {
		return string(b[:maxRawBytes])
	}
	return string(b)
}
