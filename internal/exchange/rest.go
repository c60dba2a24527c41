package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"coinlink-go/internal/market"
)

func (f *Feed) get(ctx context.Context, path string, args map[string]string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.restURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	q := req.URI().QueryArgs()
	for k, v := range args {
		q.Set(k, v)
	}

	timeout := f.requestTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if err := f.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, code)
	}
	body := append([]byte(nil), resp.Body()...)
	return body, nil
}

// fetchTicker returns the last price and the cumulative 24h base volume.
func (f *Feed) fetchTicker(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	body, err := f.get(ctx, "/api/v3/ticker/24hr", map[string]string{"symbol": f.symbol})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	res := gjson.GetManyBytes(body, "lastPrice", "volume")
	if !res[0].Exists() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ticker response missing lastPrice")
	}
	price, err := decimal.NewFromString(res[0].String())
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ticker price: %w", err)
	}
	volume, err := decimal.NewFromString(res[1].String())
	if err != nil {
		volume = decimal.Zero
	}
	return price, volume, nil
}

// FetchKlines loads up to limit candle closes for interval (Binance notation, e.g. "1m", "1h").
func (f *Feed) FetchKlines(ctx context.Context, interval string, limit int) ([]market.PricePoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	body, err := f.get(ctx, "/api/v3/klines", map[string]string{
		"symbol":   f.symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("unexpected kline response format")
	}
	rows := parsed.Array()
	now := f.now()
	points := make([]market.PricePoint, 0, len(rows))
	for _, v := range rows {
		row := v.Array()
		if len(row) < 7 {
			continue
		}
		price := row[4].Float()
		if price <= 0 {
			continue
		}
		ts := time.UnixMilli(row[6].Int()).UTC()
		if ts.After(now) {
			// still forming
			continue
		}
		points = append(points, market.PricePoint{Ts: ts, Price: price})
	}
	return points, nil
}

// Backfill seeds h with hourly closes covering days plus the most recent minute closes.
func (f *Feed) Backfill(ctx context.Context, h *market.History, days int) error {
	if days <= 0 {
		days = 30
	}
	hourly, err := f.FetchKlines(ctx, "1h", days*24)
	if err != nil {
		return fmt.Errorf("hourly klines: %w", err)
	}
	minutes, err := f.FetchKlines(ctx, "1m", 1000)
	if err != nil {
		return fmt.Errorf("minute klines: %w", err)
	}
	h.Seed(append(hourly, minutes...))
	f.log.Info().Int("hourly", len(hourly)).Int("minutes", len(minutes)).Msg("history backfilled")
	return nil
}
