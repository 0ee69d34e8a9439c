package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/domain/model"
)

const (
	// DefaultUpbitBaseURL is the public Upbit REST endpoint.
	DefaultUpbitBaseURL = "https://api.upbit.com"

	// upbitCandleLimit is Upbit's hard cap per candle request.
	upbitCandleLimit = 200
)

// Upbit only lists KRW-quoted markets for collection; BTC/USDT cross markets
// are skipped the same way the symbol feed filters them.
var upbitSymbolExpr = mustCompile(`[?starts_with(market, 'KRW-')].{code: market}`)

var upbitCandleExpr = mustCompile(`[].{` +
	`ts: candle_date_time_utc, ` +
	`open: opening_price, ` +
	`high: high_price, ` +
	`low: low_price, ` +
	`close: trade_price, ` +
	`volume: candle_acc_trade_volume}`)

// UpbitConfig configures the Upbit adapter.
type UpbitConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS paces requests; Upbit allows 10 req/s per endpoint group for
	// anonymous clients, the default stays below that.
	RPS   float64
	Burst int
}

// Upbit fetches KRW crypto markets and their candles from the public Upbit
// REST API.
type Upbit struct {
	baseURL string
	http    *httpClient
}

// NewUpbit creates an Upbit adapter.
func NewUpbit(cfg UpbitConfig) *Upbit {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultUpbitBaseURL
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 8
	}
	return &Upbit{
		baseURL: base,
		http:    newHTTPClient(cfg.Timeout, rps, cfg.Burst),
	}
}

// Exchange implements Collector.
func (u *Upbit) Exchange() model.Exchange { return model.ExchangeUpbit }

type upbitSymbolRow struct {
	Code string `json:"code"`
}

// FetchSymbols lists all active KRW markets.
func (u *Upbit) FetchSymbols(ctx context.Context) ([]model.Symbol, error) {
	doc, err := u.http.getJSON(ctx, u.baseURL+"/v1/market/all", nil)
	if err != nil {
		return nil, fmt.Errorf("upbit market list: %w", err)
	}

	var rows []upbitSymbolRow
	if err := extractRows(doc, upbitSymbolExpr, &rows); err != nil {
		return nil, fmt.Errorf("upbit market list: %w", err)
	}

	symbols := make([]model.Symbol, 0, len(rows))
	for _, row := range rows {
		// Market codes are "KRW-BTC": quote first, base second.
		quote, base, ok := strings.Cut(row.Code, "-")
		if !ok {
			continue
		}
		symbols = append(symbols, model.Symbol{
			Exchange:   model.ExchangeUpbit,
			Code:       row.Code,
			BaseAsset:  base,
			QuoteAsset: quote,
			AssetClass: model.AssetClassCrypto,
			Active:     true,
		})
	}
	return symbols, nil
}

type upbitCandleRow struct {
	Ts     string      `json:"ts"`
	Open   json.Number `json:"open"`
	High   json.Number `json:"high"`
	Low    json.Number `json:"low"`
	Close  json.Number `json:"close"`
	Volume json.Number `json:"volume"`
}

// FetchPriceBars pages backwards through the candle endpoint from req.To until
// the window start is covered, then returns bars ascending by timestamp.
func (u *Upbit) FetchPriceBars(ctx context.Context, req PriceRequest) ([]model.PriceBar, error) {
	path, err := upbitCandlePath(req.Timeframe)
	if err != nil {
		return nil, err
	}

	var bars []model.PriceBar
	cursor := req.To
	for {
		q := url.Values{}
		q.Set("market", req.Symbol.Code)
		q.Set("count", fmt.Sprint(upbitCandleLimit))
		if !cursor.IsZero() {
			q.Set("to", cursor.UTC().Format("2006-01-02T15:04:05Z"))
		}

		doc, err := u.http.getJSON(ctx, u.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("upbit candles %s: %w", req.Symbol.Code, err)
		}

		var rows []upbitCandleRow
		if err := extractRows(doc, upbitCandleExpr, &rows); err != nil {
			return nil, fmt.Errorf("upbit candles %s: %w", req.Symbol.Code, err)
		}
		if len(rows) == 0 {
			break
		}

		// Rows arrive newest-first.
		oldest := time.Time{}
		for _, row := range rows {
			bar, convErr := upbitRowToBar(req.Symbol.ID, req.Timeframe, row)
			if convErr != nil {
				return nil, fmt.Errorf("upbit candles %s: %w", req.Symbol.Code, convErr)
			}
			if oldest.IsZero() || bar.Timestamp.Before(oldest) {
				oldest = bar.Timestamp
			}
			if bar.Timestamp.Before(req.From) {
				continue
			}
			bars = append(bars, bar)
		}

		if len(rows) < upbitCandleLimit || !oldest.After(req.From) {
			break
		}
		cursor = oldest
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func upbitRowToBar(symbolID int64, tf model.Timeframe, row upbitCandleRow) (model.PriceBar, error) {
	ts, err := time.Parse("2006-01-02T15:04:05", row.Ts)
	if err != nil {
		return model.PriceBar{}, apperrors.Wrap(err, apperrors.ErrCodePermanent, "parse candle timestamp")
	}
	bar := model.PriceBar{
		SymbolID:  symbolID,
		Timeframe: tf,
		Timestamp: ts.UTC(),
	}
	for _, field := range []struct {
		dst *decimal.Decimal
		src json.Number
	}{
		{&bar.Open, row.Open},
		{&bar.High, row.High},
		{&bar.Low, row.Low},
		{&bar.Close, row.Close},
		{&bar.Volume, row.Volume},
	} {
		d, convErr := decimal.NewFromString(field.src.String())
		if convErr != nil {
			return model.PriceBar{}, apperrors.Wrap(convErr, apperrors.ErrCodePermanent, "parse candle price")
		}
		*field.dst = d
	}
	return bar, nil
}

func upbitCandlePath(tf model.Timeframe) (string, error) {
	switch tf {
	case "1m":
		return "/v1/candles/minutes/1", nil
	case "5m":
		return "/v1/candles/minutes/5", nil
	case "15m":
		return "/v1/candles/minutes/15", nil
	case "1h":
		return "/v1/candles/minutes/60", nil
	case "4h":
		return "/v1/candles/minutes/240", nil
	case "1d":
		return "/v1/candles/days", nil
	case "1w":
		return "/v1/candles/weeks", nil
	}
	return "", apperrors.Configurationf("timeframe %q not supported by upbit", tf)
}
