package errors

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

type statusErr struct {
	code  int
	after time.Duration
}

func (e statusErr) Error() string             { return fmt.Sprintf("http status %d", e.code) }
func (e statusErr) HTTPStatus() int           { return e.code }
func (e statusErr) RetryAfter() time.Duration { return e.after }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorType
		transient bool
	}{
		{"dial refused", &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}, ErrorTypeNetwork, true},
		{"net timeout", timeoutErr{}, ErrorTypeTimeout, true},
		{"deadline", fmt.Errorf("get klines: %w", context.DeadlineExceeded), ErrorTypeTimeout, true},
		{"canceled", fmt.Errorf("get klines: %w", context.Canceled), ErrorTypeCanceled, false},
		{"truncated body", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), ErrorTypeNetwork, true},
		{"status 429", statusErr{code: http.StatusTooManyRequests}, ErrorTypeRateLimit, true},
		{"status 418", statusErr{code: http.StatusTeapot}, ErrorTypeRateLimit, true},
		{"status 503", statusErr{code: http.StatusServiceUnavailable}, ErrorTypeServerError, true},
		{"status 504", statusErr{code: http.StatusGatewayTimeout}, ErrorTypeTimeout, true},
		{"status 401", statusErr{code: http.StatusUnauthorized}, ErrorTypeAuthentication, false},
		{"status 400", statusErr{code: http.StatusBadRequest}, ErrorTypeBadRequest, false},
		{"connector weight", fmt.Errorf("<APIError> code=-1003, msg=Too much request weight used"), ErrorTypeRateLimit, true},
		{"connector invalid symbol", fmt.Errorf("<APIError> code=-1121, msg=Invalid symbol."), ErrorTypeBadRequest, false},
		{"connector invalid interval", fmt.Errorf("<APIError> code=-1120, msg=Invalid interval."), ErrorTypeBadRequest, false},
		{"connector disconnected", fmt.Errorf("<APIError> code=-1001, msg=Internal error"), ErrorTypeNetwork, true},
		{"connector bad key", fmt.Errorf("<APIError> code=-2015, msg=Invalid API-key"), ErrorTypeAuthentication, false},
		{"malformed payload", fmt.Errorf("malformed kline row 3: bad open"), ErrorTypeMalformed, false},
		{"circuit open", fmt.Errorf("fetch: %w", ErrCircuitOpen), ErrorTypeCircuitOpen, true},
		{"config error", NewConfigError(testRef, "folder", "missing"), ErrorTypeConfiguration, false},
		{"corrupt state", NewCorruptLocalStateError(testRef, "a.csv", 2, "bad time", nil), ErrorTypeCorruptState, false},
		{"unknown", fmt.Errorf("something went wrong"), ErrorTypeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestClassify_StatusBeatsMessageCode(t *testing.T) {
	// A 429 carrying a request-rejection code is still a rate limit.
	err := fmt.Errorf("binance http 429 code=-1121: %w", statusErr{code: http.StatusTooManyRequests})
	assert.Equal(t, ErrorTypeRateLimit, Classify(err))
}

func TestIsTransient_Permanent(t *testing.T) {
	err := backoff.Permanent(statusErr{code: http.StatusBadGateway})
	assert.Equal(t, ErrorTypeServerError, Classify(err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsTransient(nil))
}

func TestBinanceCode(t *testing.T) {
	code, ok := BinanceCode(fmt.Errorf("binance http 400: code=-1121, msg=Invalid symbol."))
	assert.True(t, ok)
	assert.Equal(t, -1121, code)

	_, ok = BinanceCode(fmt.Errorf("binance http 502: bad gateway"))
	assert.False(t, ok)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, RetryAfter(fmt.Errorf("wrapped: %w", statusErr{code: 429, after: 3 * time.Second})))
	assert.Zero(t, RetryAfter(io.EOF))
}
