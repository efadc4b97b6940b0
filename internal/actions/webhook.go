package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// WebhookConfig configures the webhook action.
type WebhookConfig struct {
	Client          *http.Client
	DefaultTimeout  time.Duration
	MaxResponseBody int64
	UserAgent       string
}

const (
	defaultWebhookTimeout  = 15 * time.Second
	defaultMaxResponseBody = 1 << 20
)

// Webhook implements the "webhook" action: it sends a JSON request and
// exposes the response as the action result.
//
// Params:
//
//	url      string, required
//	method   string, default POST
//	headers  object of strings
//	body     any JSON value, default {"context": <execution context>}
//	timeout  duration string or seconds
//
// 2xx responses succeed. 408, 429 and 5xx responses and transport errors are
// retried. Any other status is reported as a rejected action.
type Webhook struct {
	config WebhookConfig
}

// NewWebhook creates the webhook action.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "leadflow-webhook/1"
	}
	return &Webhook{config: cfg}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Perform(ctx context.Context, params, execCtx map[string]any) (api.ActionResult, error) {
	target := stringParam(params, "url", "")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return api.ActionResult{}, api.Permanent(api.Errorf(api.CodeInvalidArgument, "webhook: invalid url %q", target))
	}
	method := strings.ToUpper(stringParam(params, "method", http.MethodPost))

	body, ok := params["body"]
	if !ok {
		body = map[string]any{"context": execCtx}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return api.ActionResult{}, api.Permanent(fmt.Errorf("webhook: encode body: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, durationParam(params, "timeout", w.config.DefaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return api.ActionResult{}, api.Permanent(fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", w.config.UserAgent)
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}

	resp, err := w.config.Client.Do(req)
	if err != nil {
		return api.ActionResult{}, fmt.Errorf("webhook %s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, w.config.MaxResponseBody))
	if err != nil {
		return api.ActionResult{}, fmt.Errorf("webhook %s %s: read response: %w", method, u.Redacted(), err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return api.ActionResult{
			OK: true,
			ContextPatch: map[string]any{
				"status_code": resp.StatusCode,
				"response":    decodeResponse(raw),
			},
		}, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return api.ActionResult{}, fmt.Errorf("webhook %s %s: %s", method, u.Redacted(), resp.Status)
	default:
		return api.ActionResult{
			OK:           false,
			Message:      "webhook returned " + resp.Status,
			ContextPatch: map[string]any{"status_code": resp.StatusCode},
		}, nil
	}
}

// decodeResponse returns the body as JSON when it parses, else as a string.
func decodeResponse(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
