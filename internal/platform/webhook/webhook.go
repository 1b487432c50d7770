// Package webhook delivers submitted intake records to an HTTP endpoint.
// Each delivery is an event envelope signed with HMAC-SHA256.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/intake"
)

// EventRecordSubmitted is the event type of every delivery.
const EventRecordSubmitted = "intake.record.submitted"

const (
	SignatureHeader = "X-Intake-Signature"
	EventIDHeader   = "X-Intake-Event-ID"
)

// Event is the JSON envelope POSTed to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when signature, with or without its "sha256="
// prefix, matches the HMAC-SHA256 of payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Sink.
type Option func(*Sink)

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) Option {
	return func(s *Sink) { s.client.SetRetryCount(n) }
}

// WithRetryWait sets the initial and maximum backoff between retries.
func WithRetryWait(wait, max time.Duration) Option {
	return func(s *Sink) {
		s.client.SetRetryWaitTime(wait).SetRetryMaxWaitTime(max)
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) { s.client.SetTimeout(d) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Sink POSTs each record to a single endpoint. It implements intake.Sink.
type Sink struct {
	endpoint string
	secret   string
	client   *resty.Client
	logger   zerolog.Logger
	now      func() time.Time
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// NewSink creates a webhook sink. An empty secret sends unsigned deliveries.
func NewSink(endpoint, secret string, logger zerolog.Logger, opts ...Option) (*Sink, error) {
	if err := ValidateURL(endpoint); err != nil {
		return nil, err
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "intake-webhook/1").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
		})

	s := &Sink{
		endpoint: endpoint,
		secret:   secret,
		client:   client,
		logger:   logger.With().Str("component", "webhook").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Accept delivers rec. Any non-2xx answer left after retries is an error.
func (s *Sink) Accept(ctx context.Context, rec *intake.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	event := Event{
		ID:        rec.ID.String(),
		Type:      EventRecordSubmitted,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader(EventIDHeader, event.ID).
		SetBody(body)
	if s.secret != "" {
		req.SetHeader(SignatureHeader, "sha256="+SignPayload(body, s.secret))
	}

	start := time.Now()
	resp, err := req.Post(s.endpoint)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("webhook delivery failed")
		return fmt.Errorf("deliver webhook: %w", err)
	}
	if resp.IsError() {
		s.logger.Error().
			Str("event_id", event.ID).
			Int("status", resp.StatusCode()).
			Int("attempts", resp.Request.Attempt).
			Msg("webhook endpoint rejected delivery")
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode())
	}
	s.logger.Info().
		Str("event_id", event.ID).
		Str("record_id", rec.ID.String()).
		Int("status", resp.StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("webhook delivered")
	return nil
}
