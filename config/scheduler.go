package config

import "time"

// SchedulerConfig controls the trigger engine tick loop.
type SchedulerConfig struct {
	// TickInterval is how often the engine evaluates the job table.
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	// JobsFile optionally overrides the built-in job table with a JSON file.
	JobsFile string `env:"JOBS_FILE" envDefault:""`
	// HeartbeatMaxAge is how stale the tick heartbeat may be before the
	// liveness probe fails.
	HeartbeatMaxAge time.Duration `env:"HEARTBEAT_MAX_AGE" envDefault:"30s"`
}

// Sanitize enforces safe scheduler values.
func (c *SchedulerConfig) Sanitize() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.HeartbeatMaxAge < 2*c.TickInterval {
		c.HeartbeatMaxAge = 10 * c.TickInterval
	}
	c.JobsFile = trimmed(c.JobsFile)
}

// RunnerConfig controls the worker pool and retry policy.
type RunnerConfig struct {
	Workers   int `env:"WORKERS"    envDefault:"2"`
	QueueSize int `env:"QUEUE_SIZE" envDefault:"8"`

	// LeaseGrace is added to a job's timeout to form the lease TTL, covering
	// terminal-state writes after the handler deadline.
	LeaseGrace time.Duration `env:"LEASE_GRACE" envDefault:"30s"`

	BackoffBase   time.Duration `env:"BACKOFF_BASE"   envDefault:"2s"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX"    envDefault:"5m"`
	BackoffJitter float64       `env:"BACKOFF_JITTER" envDefault:"0.2"`
}

// Sanitize enforces safe runner values.
func (c *RunnerConfig) Sanitize() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 4
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		c.BackoffJitter = 0.2
	}
}

// ReaperConfig controls crash-recovery sweeps.
type ReaperConfig struct {
	Enabled  bool          `env:"ENABLED"  envDefault:"true"`
	Interval time.Duration `env:"INTERVAL" envDefault:"30s"`
}

// Sanitize enforces safe reaper values.
func (c *ReaperConfig) Sanitize() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
}
