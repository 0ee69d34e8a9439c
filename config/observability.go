package config

import (
	"strings"
	"time"
)

// ObservabilityConfig groups metrics and failure notification configuration.
type ObservabilityConfig struct {
	Metrics       MetricsConfig       `envPrefix:"OBSERVABILITY_METRICS_"`
	Notifications NotificationsConfig `envPrefix:"OBSERVABILITY_NOTIFICATIONS_"`
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
}

// MetricsConfig controls StatsD metric emission.
type MetricsConfig struct {
	Enabled       bool   `env:"ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"PREFIX"         envDefault:"collector"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *MetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// NotificationsConfig controls outbound run-failure notifications.
type NotificationsConfig struct {
	Enabled    bool          `env:"ENABLED"     envDefault:"false"`
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"5s"`
	RetryLimit int           `env:"RETRY_LIMIT" envDefault:"3"`

	Slack     SlackConfig     `envPrefix:"SLACK_"`
	PagerDuty PagerDutyConfig `envPrefix:"PAGERDUTY_"`
}

// Sanitize normalises notification configuration values.
func (c *NotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.PagerDuty.Enabled = false
		return
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}
	if c.PagerDuty.Enabled && c.PagerDuty.RoutingKey == "" {
		c.PagerDuty.Enabled = false
	}
}

// SlackConfig configures the Slack webhook sink.
type SlackConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL" envDefault:""`
	Channel    string `env:"CHANNEL"     envDefault:""`
	Username   string `env:"USERNAME"    envDefault:"collector"`
}

func (c *SlackConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.Username = strings.TrimSpace(c.Username)
}

// PagerDutyConfig configures the PagerDuty events sink.
type PagerDutyConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY" envDefault:""`
	Source     string `env:"SOURCE"      envDefault:"collector"`
	Component  string `env:"COMPONENT"   envDefault:"collector"`
}

func (c *PagerDutyConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	c.Source = strings.TrimSpace(c.Source)
	c.Component = strings.TrimSpace(c.Component)
}
