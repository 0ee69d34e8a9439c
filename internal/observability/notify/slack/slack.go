// Package slack delivers run failure notifications to a Slack webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/seoulquant/collector/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client delivers run failure notifications to a Slack webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	retryLimit int
	client     *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retries := max(cfg.RetryLimit, 0)

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "collector"
	}

	return &Client{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   username,
		retryLimit: retries,
		client:     hc,
	}, nil
}

// SendRunFailure posts a formatted message to Slack.
func (c *Client) SendRunFailure(ctx context.Context, payload notify.RunFailurePayload) error {
	msg := c.formatMessage(payload)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			// Simple linear backoff to avoid thundering retries.
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

func (c *Client) formatMessage(payload notify.RunFailurePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var text strings.Builder
	fmt.Fprintf(&text, ":rotating_light: *Collection run failed*\n")
	fmt.Fprintf(&text, "*Job:* %s\n", payload.JobID)
	if payload.Handler != "" {
		fmt.Fprintf(&text, "*Handler:* %s\n", payload.Handler)
	}
	fmt.Fprintf(&text, "*Run:* %s\n", payload.RunID)
	if payload.Attempt > 0 {
		fmt.Fprintf(&text, "*Attempts:* %d\n", payload.Attempt)
	}
	if payload.ErrorClass != "" {
		fmt.Fprintf(&text, "*Class:* %s\n", payload.ErrorClass)
	}
	fmt.Fprintf(&text, "*Error:* %s\n", payload.Error)

	if len(payload.Metadata) > 0 {
		keys := make([]string, 0, len(payload.Metadata))
		for k := range payload.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&text, "*%s:* %s\n", k, payload.Metadata[k])
		}
	}
	fmt.Fprintf(&text, "_%s_", timestamp.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
