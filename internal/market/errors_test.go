package market

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"api error passthrough", &APIError{Class: ErrClassRateLimit}, ErrClassRateLimit},
		{"wrapped api error", fmt.Errorf("fetch: %w", &APIError{Class: ErrClassAuthError}), ErrClassAuthError},
		{"deadline", context.DeadlineExceeded, ErrClassTimeout},
		{"net timeout", &fakeNetError{timeout: true}, ErrClassTimeout},
		{"net other", &fakeNetError{}, ErrClassNetwork},
		{"plain", errors.New("boom"), ErrClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	for _, class := range []ErrorClass{ErrClassNetwork, ErrClassTimeout, ErrClassRateLimit, ErrClassServerError} {
		if !IsRetryable(class) {
			t.Errorf("Expected %s to be retryable", class)
		}
	}
	for _, class := range []ErrorClass{ErrClassAuthError, ErrClassClientError, ErrClassUnknown} {
		if IsRetryable(class) {
			t.Errorf("Expected %s to be terminal", class)
		}
	}
}

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(&APIError{Class: ErrClassAuthError}) {
		t.Error("Expected auth error to be detected")
	}
	if IsAuthError(&APIError{Class: ErrClassServerError}) {
		t.Error("Expected server error to not be an auth error")
	}
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   ErrorClass
	}{
		{200, "50011", ErrClassRateLimit},
		{200, "50111", ErrClassAuthError},
		{200, "50113", ErrClassAuthError},
		{200, "50114", ErrClassAuthError},
		{429, "", ErrClassRateLimit},
		{401, "", ErrClassAuthError},
		{403, "", ErrClassAuthError},
		{500, "", ErrClassServerError},
		{503, "", ErrClassServerError},
		{404, "", ErrClassClientError},
		{200, "51001", ErrClassClientError},
		{200, "0", ErrClassUnknown},
		{200, "", ErrClassUnknown},
	}
	for _, tt := range tests {
		if got := classifyResponse(tt.status, tt.code); got != tt.want {
			t.Errorf("Expected %s for status=%d code=%q, got %s", tt.want, tt.status, tt.code, got)
		}
	}
}

func TestAPIErrorFormatting(t *testing.T) {
	withCode := &APIError{Class: ErrClassRateLimit, Status: 429, Code: "50011", Msg: "Too Many Requests"}
	if got, want := withCode.Error(), "okx api error [RATE_LIMIT] status=429 code=50011: Too Many Requests"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	cause := errors.New("connection refused")
	wrapped := &APIError{Class: ErrClassNetwork, Err: cause}
	if got, want := wrapped.Error(), "okx request error [NETWORK]: connection refused"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}

	plain := &APIError{Class: ErrClassServerError, Status: 502, Msg: "bad gateway"}
	if got, want := plain.Error(), "okx api error [SERVER_ERROR] status=502: bad gateway"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	// Default profile: base 500ms doubling to a 4s ceiling, half jittered.
	for attempt := 0; attempt < 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(ErrClassServerError, attempt)
			if d < 250*time.Millisecond || d > 4*time.Second {
				t.Fatalf("Attempt %d delay %v outside [250ms, 4s]", attempt, d)
			}
		}
	}
	// Rate limit failures back off on the slower profile.
	for i := 0; i < 50; i++ {
		d := backoffDelay(ErrClassRateLimit, 0)
		if d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("Rate limit first delay %v outside [500ms, 1s]", d)
		}
	}
}
