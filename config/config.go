// Package config defines environment-driven configuration for the collector.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See the individual domain config files for
// available variables:
//   - database.go: PostgreSQL and Redis configuration
//   - scheduler.go: tick loop, runner pool, lease, and reaper configuration
//   - collector.go: exchange adapter configuration
//   - http.go: ops HTTP listener configuration
//   - observability.go: metrics and notification configuration
package config

import "strings"

// AppConfig is the root configuration struct composed from domain sections.
type AppConfig struct {
	// IsDev controls development-mode behaviour (text log handler, debug level).
	IsDev bool `env:"DEV" envDefault:"false"`

	Postgres  DBConfig        `envPrefix:"DB_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`
	Runner    RunnerConfig    `envPrefix:"RUNNER_"`
	Reaper    ReaperConfig    `envPrefix:"REAPER_"`
	Collector CollectorConfig `envPrefix:"COLLECTOR_"`
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to values loaded from the environment. Call it
// after env parsing and before wiring services.
func (c *AppConfig) Sanitize() {
	c.Scheduler.Sanitize()
	c.Runner.Sanitize()
	c.Reaper.Sanitize()
	c.Collector.Sanitize()
	c.HTTP.Sanitize()
	c.Observability.Sanitize()
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
