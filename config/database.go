package config

import "time"

// DBConfig contains PostgreSQL configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"collector"`
	Password string `env:"PASSWORD" envDefault:"collector"`
	Name     string `env:"NAME"     envDefault:"collector"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart applies pending migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"    envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

// RedisConfig contains Redis configuration for the symbol cache.
type RedisConfig struct {
	Enabled  bool          `env:"ENABLED"    envDefault:"true"`
	Addr     string        `env:"ADDR"       envDefault:"localhost:6379"`
	Password string        `env:"PASSWORD"   envDefault:""`
	DB       int           `env:"DB"         envDefault:"0"`
	CacheTTL time.Duration `env:"CACHE_TTL"  envDefault:"30m"`
}
