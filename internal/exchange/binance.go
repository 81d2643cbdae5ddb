package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	binance "github.com/binance/binance-connector-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-kline-sync/internal/config"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultSpotBaseURL    = "https://api.binance.com"
	defaultFuturesBaseURL = "https://fapi.binance.com"

	// USD-M futures endpoints
	futuresKlinesEndpoint = "/fapi/v1/klines"
	futuresPingEndpoint   = "/fapi/v1/ping"

	// Maximum rows Binance returns per klines call
	spotPageLimit    = 1000
	futuresPageLimit = 1500

	rateLimitBurst        = 1
	defaultRequestTimeout = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second

	userAgent = "go-kline-sync/1.0"
)

// BinanceSource implements BarSource for Binance spot and USD-M futures.
//
// Spot klines go through the official connector; futures klines are requested
// from the REST endpoint directly because the connector only covers spot. Both
// paths share one http.Client and one rate limiter.
type BinanceSource struct {
	spot           *binance.Client
	httpClient     *http.Client
	futuresBaseURL string
	apiKey         string
	rateLimiter    *rate.Limiter
	logger         *slog.Logger
}

// NewBinanceSource creates a Binance source from the exchange configuration.
func NewBinanceSource(cfg config.ExchangeConfig, logger *slog.Logger) *BinanceSource {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	spotURL := cfg.SpotBaseURL
	if spotURL == "" {
		spotURL = defaultSpotBaseURL
	}
	futuresURL := cfg.FuturesBaseURL
	if futuresURL == "" {
		futuresURL = defaultFuturesBaseURL
	}

	spot := binance.NewClient(cfg.APIKey, cfg.APISecret, spotURL)
	spot.HTTPClient = httpClient

	limits := RateLimit{RequestsPerMinute: cfg.RateLimit, BurstSize: rateLimitBurst}
	limiter := rate.NewLimiter(rate.Inf, rateLimitBurst)
	if limits.IsValid() {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limits.RequestsPerMinute)), limits.BurstSize)
	}

	return &BinanceSource{
		spot:           spot,
		httpClient:     httpClient,
		futuresBaseURL: futuresURL,
		apiKey:         cfg.APIKey,
		rateLimiter:    limiter,
		logger:         logger,
	}
}

// FetchRecent implements BarSource with a single call for the newest bars.
func (b *BinanceSource) FetchRecent(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	return b.fetchPage(ctx, FetchRequest{Key: key, Limit: min(limit, pageLimit(key.Market))})
}

// FetchRange implements BarSource. Pages are requested from start onwards, each
// continuing one millisecond after the previous page's last open time, until a
// short page comes back or the cursor reaches end.
func (b *BinanceSource) FetchRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Candle, error) {
	limit := pageLimit(key.Market)

	b.logger.DebugContext(ctx, "fetching klines from binance",
		"symbol", key.Symbol,
		"interval", key.Interval.String(),
		"market", key.Market,
		"start", start,
		"end", end)

	var all []models.Candle
	cursor := start
	for page := 0; ; page++ {
		if !end.IsZero() && !cursor.Before(end) {
			break
		}

		candles, err := b.fetchPage(ctx, FetchRequest{Key: key, Start: cursor, End: end, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}

		for _, c := range candles {
			if !end.IsZero() && !c.Timestamp.Before(end) {
				continue
			}
			all = append(all, c)
		}

		if len(candles) < limit {
			break
		}

		next := candles[len(candles)-1].Timestamp.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	return all, nil
}

// HealthCheck implements the HealthChecker interface by pinging both markets.
func (b *BinanceSource) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := b.spot.NewPingService().Do(healthCtx); err != nil {
		return fmt.Errorf("spot health check failed: %w", err)
	}

	if _, err := b.get(healthCtx, b.futuresBaseURL+futuresPingEndpoint); err != nil {
		return fmt.Errorf("futures health check failed: %w", err)
	}

	b.logger.DebugContext(ctx, "health check passed")
	return nil
}

func pageLimit(market models.MarketType) int {
	if market == models.MarketFutures {
		return futuresPageLimit
	}
	return spotPageLimit
}

func (b *BinanceSource) fetchPage(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid request: %w", err))
	}

	interval, err := BinanceInterval(req.Key.Interval)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	if err := b.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	var rows []klineRow
	switch req.Key.Market {
	case models.MarketFutures:
		rows, err = b.fetchFutures(ctx, req, interval)
	default:
		rows, err = b.fetchSpot(ctx, req, interval)
	}
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := row.toCandle()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("malformed kline row %d: %w", i, err))
		}
		candles = append(candles, *candle)
	}

	return candles, nil
}

func (b *BinanceSource) fetchSpot(ctx context.Context, req FetchRequest, interval string) ([]klineRow, error) {
	svc := b.spot.NewKlinesService().
		Symbol(req.Key.Symbol).
		Interval(interval).
		Limit(req.Limit)
	if !req.Start.IsZero() {
		svc = svc.StartTime(uint64(req.Start.UnixMilli()))
	}
	if !req.End.IsZero() {
		svc = svc.EndTime(uint64(inclusiveEnd(req.End)))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot klines request failed: %w", err)
	}

	rows := make([]klineRow, 0, len(resp))
	for _, k := range resp {
		if k == nil {
			continue
		}
		rows = append(rows, klineRow{
			OpenTime:      int64(k.OpenTime),
			Open:          k.Open,
			High:          k.High,
			Low:           k.Low,
			Close:         k.Close,
			Volume:        k.Volume,
			CloseTime:     int64(k.CloseTime),
			QuoteVolume:   k.QuoteAssetVolume,
			Trades:        int64(k.NumberOfTrades),
			TakerBuyBase:  k.TakerBuyBaseAssetVolume,
			TakerBuyQuote: k.TakerBuyQuoteAssetVolume,
		})
	}
	return rows, nil
}

func (b *BinanceSource) fetchFutures(ctx context.Context, req FetchRequest, interval string) ([]klineRow, error) {
	params := url.Values{}
	params.Add("symbol", req.Key.Symbol)
	params.Add("interval", interval)
	params.Add("limit", strconv.Itoa(req.Limit))
	if !req.Start.IsZero() {
		params.Add("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	}
	if !req.End.IsZero() {
		params.Add("endTime", strconv.FormatInt(inclusiveEnd(req.End), 10))
	}

	body, err := b.get(ctx, b.futuresBaseURL+futuresKlinesEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("futures klines request failed: %w", err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse klines response: %w", err))
	}

	rows := make([]klineRow, 0, len(raw))
	for i, fields := range raw {
		row, err := parseKlineFields(fields)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("malformed kline row %d: %w", i, err))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// get performs a GET and returns the body, or an *HTTPStatusError for non-2xx answers.
func (b *BinanceSource) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		statusErr := &HTTPStatusError{
			StatusCode: resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			statusErr.Code = apiErr.Code
			statusErr.Message = apiErr.Msg
		} else {
			statusErr.Message = string(body)
		}

		if statusErr.retryAfter > 0 {
			b.logger.WarnContext(ctx, "rate limited by binance", "retry_after", statusErr.retryAfter)
		}
		return nil, statusErr
	}

	return body, nil
}

// HTTPStatusError is a non-2xx answer from a Binance REST endpoint.
type HTTPStatusError struct {
	StatusCode int
	Code       int // Binance error code, e.g. -1121 for an invalid symbol
	Message    string
	retryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance http %d: code=%d, msg=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("binance http %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *HTTPStatusError) HTTPStatus() int {
	return e.StatusCode
}

// RetryAfter returns the delay the server asked for, zero when none was given.
func (e *HTTPStatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	// Try to parse as HTTP date
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}

	return 0
}

// inclusiveEnd converts an exclusive end to Binance's inclusive endTime in milliseconds.
func inclusiveEnd(end time.Time) int64 {
	return end.UnixMilli() - 1
}

// klineRow is one kline as Binance reports it, before decimal parsing.
type klineRow struct {
	OpenTime      int64
	Open          string
	High          string
	Low           string
	Close         string
	Volume        string
	CloseTime     int64
	QuoteVolume   string
	Trades        int64
	TakerBuyBase  string
	TakerBuyQuote string
}

func (r klineRow) toCandle() (*models.Candle, error) {
	candle, err := models.NewCandle(time.UnixMilli(r.OpenTime), r.Open, r.High, r.Low, r.Close, r.Volume)
	if err != nil {
		return nil, err
	}

	if r.CloseTime > 0 {
		candle.CloseTime = time.UnixMilli(r.CloseTime).UTC()
	}
	candle.Trades = r.Trades

	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"quote_av", r.QuoteVolume, &candle.QuoteVolume},
		{"tb_base_av", r.TakerBuyBase, &candle.TakerBuyBaseVolume},
		{"tb_quote_av", r.TakerBuyQuote, &candle.TakerBuyQuoteVolume},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, &models.ValidationError{Field: f.name, Message: fmt.Sprintf("invalid decimal %q: %v", f.raw, err)}
		}
		*f.dst = d
	}

	if err := candle.Validate(); err != nil {
		return nil, err
	}
	return candle, nil
}

// parseKlineFields decodes the positional array Binance uses for a kline:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades,
// takerBuyBase, takerBuyQuote, ignore].
func parseKlineFields(fields []json.RawMessage) (klineRow, error) {
	if len(fields) < 11 {
		return klineRow{}, fmt.Errorf("expected at least 11 fields, got %d", len(fields))
	}

	var row klineRow
	ints := []struct {
		idx int
		dst *int64
	}{{0, &row.OpenTime}, {6, &row.CloseTime}, {8, &row.Trades}}
	for _, f := range ints {
		if err := json.Unmarshal(fields[f.idx], f.dst); err != nil {
			return klineRow{}, fmt.Errorf("field %d: %w", f.idx, err)
		}
	}

	strs := []struct {
		idx int
		dst *string
	}{
		{1, &row.Open}, {2, &row.High}, {3, &row.Low}, {4, &row.Close}, {5, &row.Volume},
		{7, &row.QuoteVolume}, {9, &row.TakerBuyBase}, {10, &row.TakerBuyQuote},
	}
	for _, f := range strs {
		if err := json.Unmarshal(fields[f.idx], f.dst); err != nil {
			return klineRow{}, fmt.Errorf("field %d: %w", f.idx, err)
		}
	}

	return row, nil
}
