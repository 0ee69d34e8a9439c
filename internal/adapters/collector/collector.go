// Package collector implements the exchange adapters that fetch symbol lists
// and OHLCV candles over HTTP.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/domain/model"
)

// PriceRequest asks for candles of one symbol stream within [From, To].
type PriceRequest struct {
	Symbol    model.Symbol
	Timeframe model.Timeframe
	From      time.Time
	To        time.Time
}

// Collector is one exchange's data source. Fetches are read-only and
// idempotent: the same request yields the same bars, so replaying a window
// after a crash is safe.
type Collector interface {
	Exchange() model.Exchange
	FetchSymbols(ctx context.Context) ([]model.Symbol, error)
	FetchPriceBars(ctx context.Context, req PriceRequest) ([]model.PriceBar, error)
}

// StatusError reports a non-2xx exchange response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange returned status %d: %s", e.Status, e.Body)
}

// classifyHTTPError maps transport and status failures onto the retry
// taxonomy. Rate limits and server errors are worth retrying; auth and
// client errors are not.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == http.StatusTooManyRequests:
			return apperrors.Wrap(err, apperrors.ErrCodeTransient, "exchange rate limited")
		case statusErr.Status >= 500:
			return apperrors.Wrap(err, apperrors.ErrCodeTransient, "exchange server error")
		default:
			return apperrors.Wrap(err, apperrors.ErrCodePermanent, "exchange rejected request")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.ErrCodeTimeout, "exchange request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.ErrCodeCanceled, "exchange request canceled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.Wrap(err, apperrors.ErrCodeTransient, "exchange network error")
	}
	return apperrors.Wrap(err, apperrors.ErrCodeTransient, "exchange request failed")
}

// httpClient wraps the shared fetch path: limiter wait, GET, status check,
// JSON decode into a generic document for jmespath extraction.
type httpClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(timeout time.Duration, rps float64, burst int) *httpClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &httpClient{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// getJSON fetches url and decodes the body into an untyped document. The
// limiter paces calls so paging loops stay inside the exchange's budget.
func (c *httpClient) getJSON(ctx context.Context, url string, headers map[string]string) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyHTTPError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create exchange request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, classifyHTTPError(fmt.Errorf("read exchange response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPError(&StatusError{Status: resp.StatusCode, Body: truncate(string(body), 256)})
	}

	// UseNumber keeps prices as exact strings until decimal conversion.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePermanent, "malformed exchange payload")
	}
	return doc, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
