package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies a data source venue.
type Exchange string

const (
	// ExchangeUpbit is the Upbit cryptocurrency exchange (KRW markets).
	ExchangeUpbit Exchange = "upbit"
	// ExchangeKIS is the Korea Investment & Securities equity feed (KOSPI/KOSDAQ).
	ExchangeKIS Exchange = "kis"
)

// Valid returns true for known exchanges.
func (e Exchange) Valid() bool {
	return e == ExchangeUpbit || e == ExchangeKIS
}

// AssetClass categorises what a symbol trades.
type AssetClass string

const (
	// AssetClassCrypto marks cryptocurrency pairs.
	AssetClassCrypto AssetClass = "crypto"
	// AssetClassEquity marks listed stocks.
	AssetClassEquity AssetClass = "equity"
)

// Timeframe is a candle interval identifier ("1m", "1h", "1d", ...).
type Timeframe string

// Valid timeframes mirror what the exchange candle endpoints accept.
func (t Timeframe) Valid() bool {
	switch t {
	case "1m", "5m", "15m", "1h", "4h", "1d", "1w":
		return true
	}
	return false
}

// Duration returns the candle interval length. Weeks are approximated as 7 days.
func (t Timeframe) Duration() (time.Duration, error) {
	switch t {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", t)
}

// Symbol is one tradable instrument on an exchange. The natural key is
// (exchange, code); upserting the same key updates in place.
type Symbol struct {
	ID         int64      `json:"id"          db:"id"`
	Exchange   Exchange   `json:"exchange"    db:"exchange"`
	Code       string     `json:"code"        db:"code"`
	BaseAsset  string     `json:"base_asset"  db:"base_asset"`
	QuoteAsset string     `json:"quote_asset" db:"quote_asset"`
	AssetClass AssetClass `json:"asset_class" db:"asset_class"`
	Active     bool       `json:"active"      db:"active"`
	CreatedAt  time.Time  `json:"created_at"  db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"  db:"updated_at"`
}

// Validate checks required symbol fields before persistence.
func (s *Symbol) Validate() error {
	if !s.Exchange.Valid() {
		return fmt.Errorf("invalid exchange %q", s.Exchange)
	}
	if strings.TrimSpace(s.Code) == "" {
		return errors.New("symbol code is required")
	}
	return nil
}

// PriceBar is one OHLCV candle. The natural key is (symbol_id, timeframe, ts);
// re-ingesting the same key overwrites value fields, never duplicates.
type PriceBar struct {
	SymbolID  int64           `json:"symbol_id" db:"symbol_id"`
	Timeframe Timeframe       `json:"timeframe" db:"timeframe"`
	Timestamp time.Time       `json:"ts"        db:"ts"`
	Open      decimal.Decimal `json:"open"      db:"open"`
	High      decimal.Decimal `json:"high"      db:"high"`
	Low       decimal.Decimal `json:"low"       db:"low"`
	Close     decimal.Decimal `json:"close"     db:"close"`
	Volume    decimal.Decimal `json:"volume"    db:"volume"`
}

// Validate checks the natural key and basic OHLC sanity.
func (b *PriceBar) Validate() error {
	if b.SymbolID <= 0 {
		return errors.New("price bar symbol id is required")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("invalid timeframe %q", b.Timeframe)
	}
	if b.Timestamp.IsZero() {
		return errors.New("price bar timestamp is required")
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("price bar high %s below low %s", b.High, b.Low)
	}
	return nil
}

// WatermarkKey addresses one resumption cursor. Price collection keys by symbol
// and timeframe; job-level cursors key by job id with an empty timeframe.
type WatermarkKey struct {
	Scope     string    `json:"scope"`
	Timeframe Timeframe `json:"timeframe"`
}

// SymbolWatermarkKey builds the cursor key for a symbol's candle stream.
func SymbolWatermarkKey(code string, tf Timeframe) WatermarkKey {
	return WatermarkKey{Scope: code, Timeframe: tf}
}

// JobWatermarkKey builds a job-scoped cursor key.
func JobWatermarkKey(jobID string) WatermarkKey {
	return WatermarkKey{Scope: jobID}
}

// String renders the key in the stored "scope|timeframe" form.
func (k WatermarkKey) String() string {
	if k.Timeframe == "" {
		return k.Scope
	}
	return k.Scope + "|" + string(k.Timeframe)
}
