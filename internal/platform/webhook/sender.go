// Package webhook delivers alerts to an HTTP endpoint as HMAC-SHA256 signed
// JSON POSTs with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/events"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures an AlertSender.
type Option func(*AlertSender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *AlertSender) { s.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. Its length is the retry count.
func WithRetryDelays(d ...time.Duration) Option {
	return func(s *AlertSender) { s.retryDelays = d }
}

// AlertSender is an events.AlertSink posting to a single URL.
type AlertSender struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

var _ events.AlertSink = (*AlertSender)(nil)

// NewAlertSender validates rawURL and creates a sender.
func NewAlertSender(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*AlertSender, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	s := &AlertSender{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second},
		logger:      logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url must include a host")
	}
	return nil
}

// Notify posts the alert, retrying non-2xx responses and transport errors
// until the retry delays are exhausted or ctx ends.
func (s *AlertSender) Notify(ctx context.Context, alert events.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(s.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelays[attempt-1]):
			case <-ctx.Done():
				return fmt.Errorf("alert %s: %w (last error: %v)", alert.ID, ctx.Err(), lastErr)
			}
		}
		if lastErr = s.post(ctx, alert, payload); lastErr == nil {
			return nil
		}
		s.logger.Warn().Err(lastErr).Str("alert_id", alert.ID).Int("attempt", attempt+1).Msg("alert webhook delivery failed")
	}
	return fmt.Errorf("alert %s: %w", alert.ID, lastErr)
}

func (s *AlertSender) post(ctx context.Context, alert events.Alert, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, s.secret))
	req.Header.Set("X-Webhook-ID", alert.ID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
