package config

import "time"

// CollectorConfig controls the exchange adapters and collection windows.
type CollectorConfig struct {
	// Timeframe is the candle interval collected for every stream.
	Timeframe string `env:"TIMEFRAME" envDefault:"1d"`
	// DaysBack bounds the initial window for streams without a watermark.
	DaysBack int `env:"DAYS_BACK" envDefault:"1"`
	// SymbolLimit caps symbols per exchange per run; 0 means all.
	SymbolLimit int `env:"SYMBOL_LIMIT" envDefault:"0"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	Upbit UpbitConfig `envPrefix:"UPBIT_"`
	KIS   KISConfig   `envPrefix:"KIS_"`
}

// Sanitize enforces safe collector values.
func (c *CollectorConfig) Sanitize() {
	c.Timeframe = trimmed(c.Timeframe)
	if c.Timeframe == "" {
		c.Timeframe = "1d"
	}
	if c.DaysBack <= 0 {
		c.DaysBack = 1
	}
	if c.SymbolLimit < 0 {
		c.SymbolLimit = 0
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	c.Upbit.sanitize()
	c.KIS.sanitize()
}

// UpbitConfig configures the Upbit adapter.
type UpbitConfig struct {
	Enabled bool    `env:"ENABLED"  envDefault:"true"`
	BaseURL string  `env:"BASE_URL" envDefault:""`
	RPS     float64 `env:"RPS"      envDefault:"8"`
}

func (c *UpbitConfig) sanitize() {
	c.BaseURL = trimmed(c.BaseURL)
	if c.RPS <= 0 {
		c.RPS = 8
	}
}

// KISConfig configures the KIS adapter. The adapter stays disabled until app
// credentials are provided.
type KISConfig struct {
	Enabled   bool     `env:"ENABLED"    envDefault:"false"`
	BaseURL   string   `env:"BASE_URL"   envDefault:""`
	AppKey    string   `env:"APP_KEY"    envDefault:""`
	AppSecret string   `env:"APP_SECRET" envDefault:""`
	Markets   []string `env:"MARKETS"    envDefault:"KOSPI,KOSDAQ"`
	RPS       float64  `env:"RPS"        envDefault:"10"`
}

func (c *KISConfig) sanitize() {
	c.BaseURL = trimmed(c.BaseURL)
	c.AppKey = trimmed(c.AppKey)
	c.AppSecret = trimmed(c.AppSecret)
	if c.AppKey == "" || c.AppSecret == "" {
		c.Enabled = false
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
}
