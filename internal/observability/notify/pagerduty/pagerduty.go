// Package pagerduty delivers run failure notifications via the PagerDuty
// Events API v2.
package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seoulquant/collector/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client publishes trigger events.
type Client struct {
	routingKey string
	source     string
	component  string
	retryLimit int
	client     *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		routingKey: key,
		source:     fallbackString(strings.TrimSpace(cfg.Source), "collector"),
		component:  fallbackString(strings.TrimSpace(cfg.Component), "collector"),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// SendRunFailure submits a trigger event to PagerDuty.
func (c *Client) SendRunFailure(ctx context.Context, payload notify.RunFailurePayload) error {
	event := c.buildEvent(payload)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = c.submit(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return lastErr
}

func (c *Client) buildEvent(payload notify.RunFailurePayload) map[string]any {
	severity := fallbackString(strings.ToLower(payload.Severity), notify.SeverityCritical)

	occurredAt := payload.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{
		"run_id":      payload.RunID,
		"job_id":      payload.JobID,
		"handler":     payload.Handler,
		"attempt":     payload.Attempt,
		"error":       payload.Error,
		"error_class": payload.ErrorClass,
	}
	for k, v := range payload.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	// Dedup on the job so a flapping job raises one incident, not one per run.
	dedupKey := strings.Trim("collector:"+payload.JobID, ":")

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]any{
			"summary": fmt.Sprintf(
				"Collection job %s failed after %d attempt(s)",
				fallbackString(payload.JobID, "unknown"), payload.Attempt,
			),
			"severity":       severity,
			"source":         c.source,
			"component":      c.component,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}

func (c *Client) submit(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post pagerduty event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("pagerduty returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
