package config

import "time"

// HTTPConfig controls the ops HTTP listener (health probes, ad-hoc dispatch).
type HTTPConfig struct {
	Addr            string        `env:"ADDR"             envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT"     envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Sanitize enforces safe HTTP values.
func (c *HTTPConfig) Sanitize() {
	c.Addr = trimmed(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}
