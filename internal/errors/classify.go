// Package errors holds the failure kinds reported by sync jobs and the retry
// machinery wrapped around the Binance source: classification of transport and
// API errors, policy-driven retries, and a per-component circuit breaker.
package errors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType is the retry class of an error.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeBadRequest     ErrorType = "bad_request"
	ErrorTypeMalformed      ErrorType = "malformed"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeCorruptState   ErrorType = "corrupt_state"
	ErrorTypeCanceled       ErrorType = "canceled"

	ErrorTypeUnknown ErrorType = "unknown"
)

// Transient reports whether errors of this type are worth another attempt.
// Unknown errors count as transient; the retry policy caps the attempts.
func (t ErrorType) Transient() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeCircuitOpen, ErrorTypeUnknown:
		return true
	default:
		return false
	}
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ErrCircuitOpen is returned without calling the source while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// binanceCode matches the error code in both the connector's "<APIError>
// code=-1121, msg=..." text and our own HTTPStatusError text.
var binanceCode = regexp.MustCompile(`code=(-\d+)`)

// Classify maps err onto an ErrorType. Typed causes win over status codes, and
// status codes win over Binance error codes found in the message.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	var retryErr *RetryError
	if errors.As(err, &retryErr) {
		return retryErr.Type
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case Has[*ConfigError](err):
		return ErrorTypeConfiguration
	case Has[*CorruptLocalStateError](err):
		return ErrorTypeCorruptState
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if t := classifyStatus(sc.HTTPStatus()); t != ErrorTypeUnknown {
			return t
		}
	}

	if code, ok := BinanceCode(err); ok {
		return classifyBinanceCode(code)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded"):
		return ErrorTypeTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "unexpected eof", "broken pipe"):
		return ErrorTypeNetwork
	case containsAny(msg, "too many requests", "request weight"):
		return ErrorTypeRateLimit
	case containsAny(msg, "malformed", "failed to parse"):
		return ErrorTypeMalformed
	}
	return ErrorTypeUnknown
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		// 418 is Binance's IP ban after ignoring 429s.
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuthentication
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeServerError
	case status >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// classifyBinanceCode follows Binance's error code ranges: -1000..-1099 are
// server or network conditions, -1100..-1199 reject the request itself, and
// -2014/-2015 reject the API key.
func classifyBinanceCode(code int) ErrorType {
	switch {
	case code == -1003 || code == -1015:
		return ErrorTypeRateLimit
	case code == -1007:
		return ErrorTypeTimeout
	case code == -1001:
		return ErrorTypeNetwork
	case code == -2014 || code == -2015 || code == -1002 || code == -1022:
		return ErrorTypeAuthentication
	case code <= -1100 && code > -1200:
		return ErrorTypeBadRequest
	case code <= -1000 && code > -1100:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// BinanceCode extracts the Binance API error code from err's message.
func BinanceCode(err error) (int, bool) {
	m := binanceCode.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	return code, convErr == nil
}

// IsTransient reports whether err should be retried. backoff.Permanent marks an
// error as final regardless of its type.
func IsTransient(err error) bool {
	if err == nil || Has[*backoff.PermanentError](err) {
		return false
	}
	return Classify(err).Transient()
}

// RetryAfter returns the delay the server asked for, if any error in the chain
// carries one.
func RetryAfter(err error) time.Duration {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
