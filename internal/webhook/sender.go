package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/pkg/circuitbreaker"
	"orderhooks/pkg/tracing"
)

const maxResponseDrain = 64 << 10

// SendResult is the outcome of one HTTP attempt. StatusCode is zero when no response arrived.
type SendResult struct {
	StatusCode int
	Duration   time.Duration
	Err        error
}

func (r SendResult) Delivered() bool {
	return r.Err == nil
}

// Sender POSTs signed bodies to subscriber endpoints.
type Sender struct {
	client      *http.Client
	bearerToken string
	timeout     time.Duration
	breakerCfg  config.CircuitBreakerConfig
	breakers    sync.Map
}

func NewSender(cfg config.WebhookConfig) *Sender {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeout
	}
	return &Sender{
		client:      &http.Client{Transport: tracing.WebhookTransport(http.DefaultTransport)},
		bearerToken: cfg.BearerToken,
		timeout:     timeout,
		breakerCfg:  cfg.CircuitBreaker,
	}
}

func (s *Sender) Timeout() time.Duration {
	return s.timeout
}

// WithClient replaces the HTTP client. Tests use it to reach httptest servers.
func (s *Sender) WithClient(client *http.Client) *Sender {
	s.client = client
	return s
}

func (s *Sender) breaker(subscriptionID string) *circuitbreaker.Wrapper {
	if v, ok := s.breakers.Load(subscriptionID); ok {
		return v.(*circuitbreaker.Wrapper)
	}
	w := circuitbreaker.NewWrapper(circuitbreaker.FromConfig("webhook-"+subscriptionID, s.breakerCfg))
	actual, _ := s.breakers.LoadOrStore(subscriptionID, w)
	return actual.(*circuitbreaker.Wrapper)
}

// Send signs body with the subscription secret and POSTs it. Any non-2xx status,
// transport error, timeout or open breaker is a failed attempt.
func (s *Sender) Send(ctx context.Context, sub Subscription, event Event, body []byte) SendResult {
	start := time.Now()
	var result SendResult

	post := func() error {
		status, err := s.post(ctx, sub, event, body)
		result.StatusCode = status
		return err
	}

	if s.breakerCfg.Enabled {
		result.Err = s.breaker(sub.ID).Do(ctx, post)
	} else {
		result.Err = post()
	}
	result.Duration = time.Since(start)
	return result
}

func (s *Sender) post(ctx context.Context, sub Subscription, event Event, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}
	req.Header.Set(constants.HeaderSignature, Sign(body, sub.Secret))
	req.Header.Set(constants.HeaderTimestamp, formatTimestamp(event.Timestamp))
	req.Header.Set(constants.HeaderEventID, event.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return resp.StatusCode, fmt.Errorf("subscriber responded with status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
