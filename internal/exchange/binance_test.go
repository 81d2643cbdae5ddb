package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-kline-sync/internal/config"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var (
	testBase   = time.Date(2017, 8, 17, 4, 0, 0, 0, time.UTC)
	spotKey    = models.SeriesKey{Symbol: "BTCUSDT", Interval: models.MustParseFrequency("1h"), Market: models.MarketSpot}
	futuresKey = models.SeriesKey{Symbol: "BTCUSDT", Interval: models.MustParseFrequency("1h"), Market: models.MarketFutures}
)

// Test utilities
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if handler, exists := responses[path]; exists {
			handler(w, r)
		} else {
			http.NotFound(w, r)
		}
	}))
}

func newTestSource(serverURL string) *BinanceSource {
	return NewBinanceSource(config.ExchangeConfig{
		SpotBaseURL:    serverURL,
		FuturesBaseURL: serverURL,
		Timeout:        "5s",
	}, createTestLogger())
}

// klineRows renders bars in Binance's positional array format.
func klineRows(opens []time.Time) [][]any {
	rows := make([][]any, 0, len(opens))
	for i, ts := range opens {
		price := strconv.Itoa(100 + i%50)
		rows = append(rows, []any{
			ts.UnixMilli(), price, price + ".5", price, price, "1.25",
			ts.Add(time.Hour).UnixMilli() - 1, "125.0", 42, "0.5", "50.0", "0",
		})
	}
	return rows
}

// klineHandler serves total hourly bars from testBase, honouring startTime,
// endTime (inclusive) and limit the way Binance does.
func klineHandler(t *testing.T, total int, calls *atomic.Int32) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1h", q.Get("interval"))

		limit, err := strconv.Atoi(q.Get("limit"))
		require.NoError(t, err)

		var opens []time.Time
		for i := 0; i < total; i++ {
			opens = append(opens, testBase.Add(time.Duration(i)*time.Hour))
		}

		if q.Get("startTime") == "" {
			if len(opens) > limit {
				opens = opens[len(opens)-limit:]
			}
		} else {
			startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
			endMs := int64(1<<62 - 1)
			if v := q.Get("endTime"); v != "" {
				endMs, _ = strconv.ParseInt(v, 10, 64)
			}
			var picked []time.Time
			for _, ts := range opens {
				ms := ts.UnixMilli()
				if ms >= startMs && ms <= endMs && len(picked) < limit {
					picked = append(picked, ts)
				}
			}
			opens = picked
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(klineRows(opens))
	}
}

func assertStrictlyIncreasing(t *testing.T, candles []models.Candle) {
	t.Helper()
	for i := 1; i < len(candles); i++ {
		require.True(t, candles[i].Timestamp.After(candles[i-1].Timestamp),
			"row %d (%s) does not follow row %d (%s)", i, candles[i].Timestamp, i-1, candles[i-1].Timestamp)
	}
}

func TestNewBinanceSource(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		src := NewBinanceSource(config.ExchangeConfig{}, nil)

		assert.Equal(t, defaultFuturesBaseURL, src.futuresBaseURL)
		assert.Equal(t, defaultSpotBaseURL, src.spot.BaseURL)
		assert.Equal(t, defaultRequestTimeout, src.httpClient.Timeout)
		assert.Equal(t, rate.Inf, src.rateLimiter.Limit())
		assert.NotNil(t, src.logger)
	})

	t.Run("uses configured limits", func(t *testing.T) {
		src := NewBinanceSource(config.ExchangeConfig{RateLimit: 600, Timeout: "10s"}, createTestLogger())

		assert.Equal(t, rate.Every(100*time.Millisecond), src.rateLimiter.Limit())
		assert.Equal(t, 1, src.rateLimiter.Burst())
		assert.Equal(t, 10*time.Second, src.httpClient.Timeout)
		assert.Same(t, src.httpClient, src.spot.HTTPClient)
	})
}

func TestBinanceInterval(t *testing.T) {
	testCases := []struct {
		freq     string
		expected string
		wantErr  bool
	}{
		{"1min", "1m", false},
		{"5min", "5m", false},
		{"15min", "15m", false},
		{"1h", "1h", false},
		{"4h", "4h", false},
		{"1D", "1d", false},
		{"3D", "3d", false},
		{"1W", "1w", false},
		{"1MS", "1M", false},
		{"7min", "", true},
		{"2W", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.freq, func(t *testing.T) {
			got, err := BinanceInterval(models.MustParseFrequency(tc.freq))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestBinanceSource_FetchRange(t *testing.T) {
	ctx := context.Background()

	t.Run("paginates spot by 1000", func(t *testing.T) {
		var calls atomic.Int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": klineHandler(t, 2500, &calls),
		})
		defer server.Close()

		candles, err := newTestSource(server.URL).FetchRange(ctx, spotKey, testBase, time.Time{})

		require.NoError(t, err)
		assert.Len(t, candles, 2500)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, testBase, candles[0].Timestamp)
		assert.Equal(t, testBase.Add(2499*time.Hour), candles[2499].Timestamp)
		assertStrictlyIncreasing(t, candles)
	})

	t.Run("paginates futures by 1500", func(t *testing.T) {
		var calls atomic.Int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": klineHandler(t, 2000, &calls),
		})
		defer server.Close()

		candles, err := newTestSource(server.URL).FetchRange(ctx, futuresKey, testBase, time.Time{})

		require.NoError(t, err)
		assert.Len(t, candles, 2000)
		assert.Equal(t, int32(2), calls.Load())
		assertStrictlyIncreasing(t, candles)
	})

	t.Run("end is exclusive", func(t *testing.T) {
		var calls atomic.Int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": klineHandler(t, 100, &calls),
		})
		defer server.Close()

		end := testBase.Add(10 * time.Hour)
		candles, err := newTestSource(server.URL).FetchRange(ctx, spotKey, testBase, end)

		require.NoError(t, err)
		require.Len(t, candles, 10)
		assert.Equal(t, testBase.Add(9*time.Hour), candles[9].Timestamp)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("empty range returns no rows", func(t *testing.T) {
		var calls atomic.Int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": klineHandler(t, 10, &calls),
		})
		defer server.Close()

		candles, err := newTestSource(server.URL).FetchRange(ctx, spotKey, testBase.AddDate(1, 0, 0), time.Time{})

		require.NoError(t, err)
		assert.Empty(t, candles)
	})

	t.Run("converts extras", func(t *testing.T) {
		var calls atomic.Int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": klineHandler(t, 1, &calls),
		})
		defer server.Close()

		candles, err := newTestSource(server.URL).FetchRange(ctx, futuresKey, testBase, time.Time{})

		require.NoError(t, err)
		require.Len(t, candles, 1)
		c := candles[0]
		assert.Equal(t, "100", c.Open.String())
		assert.Equal(t, "100.5", c.High.String())
		assert.Equal(t, "1.25", c.Volume.String())
		assert.Equal(t, "125", c.QuoteVolume.String())
		assert.Equal(t, int64(42), c.Trades)
		assert.Equal(t, "0.5", c.TakerBuyBaseVolume.String())
		assert.Equal(t, testBase.Add(time.Hour-time.Millisecond), c.CloseTime)
	})

	t.Run("rejects unsupported interval", func(t *testing.T) {
		key := spotKey
		key.Interval = models.MustParseFrequency("7min")

		_, err := newTestSource("http://127.0.0.1:0").FetchRange(ctx, key, testBase, time.Time{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported interval")
	})
}

func TestBinanceSource_FetchRecent(t *testing.T) {
	var calls atomic.Int32
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/klines": klineHandler(t, 50, &calls),
	})
	defer server.Close()

	candles, err := newTestSource(server.URL).FetchRecent(context.Background(), spotKey, 5)

	require.NoError(t, err)
	require.Len(t, candles, 5)
	assert.Equal(t, testBase.Add(49*time.Hour), candles[4].Timestamp)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBinanceSource_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("futures client error carries binance code", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			},
		})
		defer server.Close()

		_, err := newTestSource(server.URL).FetchRange(ctx, futuresKey, testBase, time.Time{})

		require.Error(t, err)
		var statusErr *HTTPStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusBadRequest, statusErr.HTTPStatus())
		assert.Equal(t, -1121, statusErr.Code)
		assert.Contains(t, err.Error(), "code=-1121, msg=Invalid symbol.")
	})

	t.Run("rate limit exposes retry-after", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"code":-1003,"msg":"Too much request weight used"}`))
			},
		})
		defer server.Close()

		_, err := newTestSource(server.URL).FetchRecent(ctx, futuresKey, 5)

		var statusErr *HTTPStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatus())
		assert.Equal(t, 3*time.Second, statusErr.RetryAfter())
	})

	t.Run("server error without json body", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("bad gateway"))
			},
		})
		defer server.Close()

		_, err := newTestSource(server.URL).FetchRecent(ctx, futuresKey, 5)

		var statusErr *HTTPStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, "binance http 502: bad gateway", statusErr.Error())
	})

	t.Run("malformed row is permanent", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`[[1502942400000,"4261.48","4313.62"]]`))
			},
		})
		defer server.Close()

		_, err := newTestSource(server.URL).FetchRange(ctx, futuresKey, testBase, time.Time{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed kline row 0")
		var perm *backoff.PermanentError
		assert.True(t, errors.As(err, &perm))
	})

	t.Run("invalid decimal is permanent", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`[[1502942400000,"abc","1","1","1","1",1502945999999,"1",1,"1","1","0"]]`))
			},
		})
		defer server.Close()

		_, err := newTestSource(server.URL).FetchRange(ctx, futuresKey, testBase, time.Time{})

		require.Error(t, err)
		var vErr *models.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "open", vErr.Field)
	})

	t.Run("spot error surfaces", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			},
		})
		defer server.Close()

		_, err := newTestSource(server.URL).FetchRange(ctx, spotKey, testBase, time.Time{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "spot klines request failed")
		assert.Contains(t, err.Error(), "-1121")
	})
}

func TestBinanceSource_HealthCheck(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) }

	t.Run("healthy", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/ping":  ok,
			"/fapi/v1/ping": ok,
		})
		defer server.Close()

		assert.NoError(t, newTestSource(server.URL).HealthCheck(context.Background()))
	})

	t.Run("futures down", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/ping": ok,
		})
		defer server.Close()

		err := newTestSource(server.URL).HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "futures health check failed")
	})
}

func TestBinanceSource_RetryAfterParsing(t *testing.T) {
	testCases := []struct {
		name     string
		header   string
		expected time.Duration
	}{
		{"empty header", "", 0},
		{"numeric seconds", "120", 120 * time.Second},
		{"invalid numeric", "invalid", 0},
		{"invalid date", "Invalid Date", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseRetryAfter(tc.header))
		})
	}

	t.Run("HTTP date format", func(t *testing.T) {
		result := parseRetryAfter(time.Now().Add(5 * time.Second).UTC().Format(time.RFC1123))
		assert.True(t, result >= 3*time.Second && result <= 6*time.Second, "Expected ~5s, got %v", result)
	})
}

func TestFetchRequest_Validate(t *testing.T) {
	valid := FetchRequest{Key: spotKey, Start: testBase, End: testBase.Add(time.Hour), Limit: 10}
	assert.NoError(t, valid.Validate())

	open := FetchRequest{Key: spotKey, Start: testBase}
	assert.NoError(t, open.Validate())

	noSymbol := valid
	noSymbol.Key.Symbol = ""
	assert.ErrorContains(t, noSymbol.Validate(), "symbol cannot be empty")

	backwards := valid
	backwards.End = testBase.Add(-time.Hour)
	assert.ErrorContains(t, backwards.Validate(), "end time must be after start time")

	negative := valid
	negative.Limit = -1
	assert.ErrorContains(t, negative.Validate(), "limit cannot be negative")
}
