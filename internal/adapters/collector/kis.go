package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/domain/model"
)

// DefaultKISBaseURL is the KIS (Korea Investment & Securities) production
// OpenAPI endpoint.
const DefaultKISBaseURL = "https://openapi.koreainvestment.com:9443"

// kisChunkDays bounds one chart request; the daily chart endpoint returns at
// most 100 rows per call.
const kisChunkDays = 100

// The symbol feed republishes the KRX master files (KOSPI and KOSDAQ listing
// records) as JSON through the data gateway.
var kisSymbolExpr = mustCompile(`output[].{code: mksc_shrn_iscd, name: hts_kor_isnm, market: mrkt_name}`)

var kisCandleExpr = mustCompile(`output2[].{` +
	`date: stck_bsop_date, ` +
	`open: stck_oprc, ` +
	`high: stck_hgpr, ` +
	`low: stck_lwpr, ` +
	`close: stck_clpr, ` +
	`volume: acml_vol}`)

// KISConfig configures the KIS adapter. AppKey and AppSecret are the OpenAPI
// credentials issued per account.
type KISConfig struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	// Markets restricts symbol discovery; empty means KOSPI and KOSDAQ.
	Markets []string
	Timeout time.Duration
	// RPS paces requests; KIS enforces 20 req/s per app key, the default
	// stays well below it.
	RPS   float64
	Burst int
}

// KIS fetches Korean equity symbols and daily candles from the KIS OpenAPI.
type KIS struct {
	baseURL   string
	appKey    string
	appSecret string
	markets   map[string]bool
	http      *httpClient

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewKIS creates a KIS adapter.
func NewKIS(cfg KISConfig) *KIS {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultKISBaseURL
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	markets := cfg.Markets
	if len(markets) == 0 {
		markets = []string{"KOSPI", "KOSDAQ"}
	}
	allowed := make(map[string]bool, len(markets))
	for _, m := range markets {
		allowed[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	return &KIS{
		baseURL:   base,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		markets:   allowed,
		http:      newHTTPClient(cfg.Timeout, rps, cfg.Burst),
	}
}

// Exchange implements Collector.
func (k *KIS) Exchange() model.Exchange { return model.ExchangeKIS }

// token returns a cached OAuth access token, refreshing when it is within a
// minute of expiry. KIS tokens live 24h; requesting a fresh one per call
// trips the issuer's rate limit.
func (k *KIS) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accessToken != "" && time.Until(k.tokenExpiry) > time.Minute {
		return k.accessToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     k.appKey,
		"appsecret":  k.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.client.Do(req)
	if err != nil {
		return "", classifyHTTPError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Token rejection means bad credentials, never worth retrying.
		return "", apperrors.Wrap(
			&StatusError{Status: resp.StatusCode},
			apperrors.ErrCodePermanent, "kis token request rejected",
		)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodePermanent, "decode kis token")
	}
	if tok.AccessToken == "" {
		return "", apperrors.Permanent("kis token response missing access_token")
	}

	k.accessToken = tok.AccessToken
	k.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return k.accessToken, nil
}

func (k *KIS) headers(token, trID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        k.appKey,
		"appsecret":     k.appSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}
}

type kisSymbolRow struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Market string `json:"market"`
}

// FetchSymbols lists KOSPI/KOSDAQ instruments from the republished master
// feed.
func (k *KIS) FetchSymbols(ctx context.Context) ([]model.Symbol, error) {
	token, err := k.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("kis symbols: %w", err)
	}

	var symbols []model.Symbol
	for market := range k.markets {
		q := url.Values{}
		q.Set("mrkt_name", market)

		doc, err := k.http.getJSON(ctx,
			k.baseURL+"/uapi/domestic-stock/v1/quotations/master-list?"+q.Encode(),
			k.headers(token, "CTPF1604R"),
		)
		if err != nil {
			return nil, fmt.Errorf("kis symbols %s: %w", market, err)
		}

		var rows []kisSymbolRow
		if err := extractRows(doc, kisSymbolExpr, &rows); err != nil {
			return nil, fmt.Errorf("kis symbols %s: %w", market, err)
		}

		for _, row := range rows {
			code := strings.TrimSpace(row.Code)
			if code == "" || !k.markets[strings.ToUpper(row.Market)] {
				continue
			}
			symbols = append(symbols, model.Symbol{
				Exchange:   model.ExchangeKIS,
				Code:       code,
				BaseAsset:  code,
				QuoteAsset: "KRW",
				AssetClass: model.AssetClassEquity,
				Active:     true,
			})
		}
	}
	return symbols, nil
}

// Chart prices arrive as JSON strings ("71000"), not numbers.
type kisCandleRow struct {
	Date   string `json:"date"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// FetchPriceBars walks the daily chart endpoint in 100-day chunks. Only the
// daily timeframe exists for equities.
func (k *KIS) FetchPriceBars(ctx context.Context, req PriceRequest) ([]model.PriceBar, error) {
	if req.Timeframe != "1d" {
		return nil, apperrors.Configurationf("timeframe %q not supported by kis", req.Timeframe)
	}

	token, err := k.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("kis candles: %w", err)
	}

	var bars []model.PriceBar
	for from := req.From; !from.After(req.To); from = from.AddDate(0, 0, kisChunkDays) {
		to := from.AddDate(0, 0, kisChunkDays-1)
		if to.After(req.To) {
			to = req.To
		}

		q := url.Values{}
		q.Set("FID_COND_MRKT_DIV_CODE", "J")
		q.Set("FID_INPUT_ISCD", req.Symbol.Code)
		q.Set("FID_INPUT_DATE_1", from.Format("20060102"))
		q.Set("FID_INPUT_DATE_2", to.Format("20060102"))
		q.Set("FID_PERIOD_DIV_CODE", "D")
		q.Set("FID_ORG_ADJ_PRC", "0")

		doc, err := k.http.getJSON(ctx,
			k.baseURL+"/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice?"+q.Encode(),
			k.headers(token, "FHKST03010100"),
		)
		if err != nil {
			return nil, fmt.Errorf("kis candles %s: %w", req.Symbol.Code, err)
		}

		var rows []kisCandleRow
		if err := extractRows(doc, kisCandleExpr, &rows); err != nil {
			return nil, fmt.Errorf("kis candles %s: %w", req.Symbol.Code, err)
		}

		for _, row := range rows {
			// Non-trading days come back as empty rows.
			if strings.TrimSpace(row.Date) == "" {
				continue
			}
			bar, convErr := kisRowToBar(req.Symbol.ID, row)
			if convErr != nil {
				return nil, fmt.Errorf("kis candles %s: %w", req.Symbol.Code, convErr)
			}
			if bar.Timestamp.Before(req.From) || bar.Timestamp.After(req.To) {
				continue
			}
			bars = append(bars, bar)
		}
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func kisRowToBar(symbolID int64, row kisCandleRow) (model.PriceBar, error) {
	ts, err := time.Parse("20060102", row.Date)
	if err != nil {
		return model.PriceBar{}, apperrors.Wrap(err, apperrors.ErrCodePermanent, "parse chart date")
	}
	bar := model.PriceBar{
		SymbolID:  symbolID,
		Timeframe: "1d",
		Timestamp: ts.UTC(),
	}
	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&bar.Open, row.Open},
		{&bar.High, row.High},
		{&bar.Low, row.Low},
		{&bar.Close, row.Close},
		{&bar.Volume, row.Volume},
	} {
		d, convErr := decimal.NewFromString(field.src)
		if convErr != nil {
			return model.PriceBar{}, apperrors.Wrap(convErr, apperrors.ErrCodePermanent, "parse chart price")
		}
		*field.dst = d
	}
	return bar, nil
}
