// Package marketdata fetches OHLCV candles for a symbol/interval via a
// Binance-shaped klines HTTP endpoint, grounded on trend_analyzer.go's
// kline fetch pattern but ported from the adhoc go-binance client calls
// to a retryablehttp client so the adapter's own retry/backoff policy
// (up to 3 retries, ~0.6*attempt second backoff) is explicit and testable
// rather than hand-rolled per call site.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tidepredator/internal/model"
)

// Adapter fetches closed candles for a symbol/interval.
type Adapter struct {
	BaseURL string
	client  *retryablehttp.Client
}

// New builds an Adapter against a klines endpoint base URL (e.g.
// "https://api.binance.com/api/v3/klines").
func New(baseURL string) *Adapter {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	c.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		d := time.Duration(float64(attemptNum) * 0.6 * float64(time.Second))
		if d < min {
			return min
		}
		if d > max {
			return max
		}
		return d
	}
	c.HTTPClient.Timeout = 10 * time.Second
	return &Adapter{BaseURL: baseURL, client: c}
}

// Klines fetches `limit` candles for (symbol, interval) and drops the
// latest unclosed candle so indicators only ever see closed bars. On
// repeated failure it returns a DataUnavailable error rather than an
// empty slice, so the Scorer can surface "insufficient data" precisely.
func (a *Adapter) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	url := fmt.Sprintf("%s?symbol=%s&interval=%s&limit=%d", a.BaseURL, symbol, interval, limit+1)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.DataUnavailable{Symbol: symbol, Interval: interval, Reason: err.Error()}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &model.DataUnavailable{Symbol: symbol, Interval: interval, Reason: err.Error()}
	}
	defer resp.Body.Close()

	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &model.DataUnavailable{Symbol: symbol, Interval: interval, Reason: err.Error()}
	}
	if len(raw) < 2 {
		return nil, &model.DataUnavailable{Symbol: symbol, Interval: interval, Reason: "too few candles returned"}
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, row := range raw {
		c, perr := parseKline(row)
		if perr != nil {
			continue
		}
		candles = append(candles, c)
	}

	// Drop the latest (possibly still-open) candle.
	if len(candles) > 0 {
		candles = candles[:len(candles)-1]
	}
	if len(candles) == 0 {
		return nil, &model.DataUnavailable{Symbol: symbol, Interval: interval, Reason: "no closed candles"}
	}
	return candles, nil
}

func parseKline(row []any) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("short kline row")
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return model.Candle{}, fmt.Errorf("bad open time")
	}
	closeMs, ok := row[6].(float64)
	if !ok {
		return model.Candle{}, fmt.Errorf("bad close time")
	}
	open, err1 := parseFloatField(row[1])
	high, err2 := parseFloatField(row[2])
	low, err3 := parseFloatField(row[3])
	closeP, err4 := parseFloatField(row[4])
	vol, err5 := parseFloatField(row[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return model.Candle{}, fmt.Errorf("bad OHLCV field")
	}

	return model.Candle{
		OpenTime:  time.UnixMilli(int64(openMs)),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
		CloseTime: time.UnixMilli(int64(closeMs)),
		Closed:    true,
	}, nil
}

func parseFloatField(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unsupported field type %T", v)
	}
}
