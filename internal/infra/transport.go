package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

const (
	apiKeyHeader         = "X-Api-Key"
	idempotencyKeyHeader = "Idempotency-Key"
	maxErrorBody         = 512
)

// envelope is the JSON body posted to the collector.
type envelope struct {
	ID          string          `json:"id"`
	CapturedAt  time.Time       `json:"captured_at"`
	AppName     string          `json:"app_name"`
	AppVersion  string          `json:"app_version"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadText string          `json:"payload_text,omitempty"`
}

// HTTPTransport implements domain.Transport as a JSON POST per report.
type HTTPTransport struct {
	url     string
	apiKey  string
	appName string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the collector at url.
func NewHTTPTransport(url, apiKey, appName string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		url:     url,
		apiKey:  apiKey,
		appName: appName,
		client:  &http.Client{Timeout: timeout},
	}
}

// Send posts one report. The report id doubles as the idempotency key so a
// retry after a lost response is not counted twice by the collector.
func (t *HTTPTransport) Send(ctx context.Context, r domain.Report) error {
	env := envelope{
		ID:         r.ID,
		CapturedAt: r.CapturedAt,
		AppName:    t.appName,
		AppVersion: r.AppVersion,
		Attempt:    r.Attempts,
	}
	if json.Valid(r.Payload) {
		env.Payload = r.Payload
	} else {
		env.PayloadText = string(r.Payload)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: failed to encode report: %v", domain.ErrPermanentDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", domain.ErrPermanentDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyKeyHeader, r.ID)
	if t.apiKey != "" {
		req.Header.Set(apiKeyHeader, t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http post: %v", domain.ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if isPermanentStatus(resp.StatusCode) {
		return fmt.Errorf("%w: collector returned HTTP %d: %s", domain.ErrPermanentDelivery, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return fmt.Errorf("%w: collector returned HTTP %d", domain.ErrDelivery, resp.StatusCode)
}

// isPermanentStatus reports whether a retry can never succeed.
// Timeouts and throttling are transient even though they are 4xx.
func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// Ensure HTTPTransport implements domain.Transport.
var _ domain.Transport = (*HTTPTransport)(nil)
