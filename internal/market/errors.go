package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// ErrorClass buckets upstream failures. Only Network, Timeout, RateLimit and
// ServerError are retried; each bucket carries its own backoff profile.
type ErrorClass string

const (
	ErrClassNetwork     ErrorClass = "NETWORK"
	ErrClassTimeout     ErrorClass = "TIMEOUT"
	ErrClassRateLimit   ErrorClass = "RATE_LIMIT"
	ErrClassServerError ErrorClass = "SERVER_ERROR"
	ErrClassAuthError   ErrorClass = "AUTH_ERROR"
	ErrClassClientError ErrorClass = "CLIENT_ERROR"
	ErrClassUnknown     ErrorClass = "UNKNOWN"
)

// APIError is a classified upstream failure.
type APIError struct {
	Class  ErrorClass
	Status int
	Code   string
	Msg    string
	Err    error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("okx api error [%s] status=%d code=%s: %s", e.Class, e.Status, e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("okx request error [%s]: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("okx api error [%s] status=%d: %s", e.Class, e.Status, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// Classify returns the error class for any error produced by the gateway or
// client, mapping transport errors that were not wrapped yet.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrClassTimeout
		}
		return ErrClassNetwork
	}
	return ErrClassUnknown
}

// IsRetryable reports whether the class is worth retrying locally.
func IsRetryable(class ErrorClass) bool {
	switch class {
	case ErrClassNetwork, ErrClassTimeout, ErrClassRateLimit, ErrClassServerError:
		return true
	}
	return false
}

// IsAuthError reports whether the error is an upstream credential failure.
func IsAuthError(err error) bool {
	return Classify(err) == ErrClassAuthError
}

// classifyResponse maps an HTTP status plus OKX body code to a class.
func classifyResponse(status int, code string) ErrorClass {
	switch code {
	case "50011":
		return ErrClassRateLimit
	case "50111", "50113", "50114":
		return ErrClassAuthError
	}
	switch {
	case status == 429:
		return ErrClassRateLimit
	case status == 401 || status == 403:
		return ErrClassAuthError
	case status >= 500:
		return ErrClassServerError
	case status >= 400:
		return ErrClassClientError
	}
	if code != "" && code != "0" {
		return ErrClassClientError
	}
	return ErrClassUnknown
}

type backoffProfile struct {
	base    time.Duration
	ceiling time.Duration
}

var defaultBackoff = backoffProfile{base: 500 * time.Millisecond, ceiling: 4 * time.Second}

var backoffProfiles = map[ErrorClass]backoffProfile{
	ErrClassRateLimit: {base: time.Second, ceiling: 8 * time.Second},
}

// backoffDelay returns the jittered delay before retry number attempt
// (0-based): half the exponential step plus a uniform random half.
func backoffDelay(class ErrorClass, attempt int) time.Duration {
	profile, ok := backoffProfiles[class]
	if !ok {
		profile = defaultBackoff
	}
	step := profile.base << uint(attempt)
	if step > profile.ceiling || step <= 0 {
		step = profile.ceiling
	}
	half := step / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
