// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusResponse(code int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: code, Header: header}
}

func TestDefaultDelay(t *testing.T) {
	assert.Equal(t, 300*time.Millisecond, DefaultDelay(1))
	assert.Equal(t, 600*time.Millisecond, DefaultDelay(2))
	assert.Equal(t, 1200*time.Millisecond, DefaultDelay(3))
}

func TestRetryPolicyMerge(t *testing.T) {
	base := DefaultRetryPolicy()

	p := base.Merge(Retries(5))
	assert.Equal(t, 5, p.Limit)
	assert.Equal(t, base.Methods, p.Methods)
	assert.Equal(t, base.StatusCodes, p.StatusCodes)

	p = base.Merge(RetryPolicy{})
	assert.Equal(t, base.Limit, p.Limit)

	p = base.Merge(Retries(0))
	assert.Zero(t, p.Limit)

	p = base.Merge(RetryPolicy{BackoffLimit: time.Second})
	assert.Equal(t, base.Limit, p.Limit)
	assert.Equal(t, time.Second, p.BackoffLimit)

	p = base.Merge(Retries(0)).Merge(RetryPolicy{MaxRetryAfter: time.Minute})
	assert.Zero(t, p.Limit)

	p = base.Merge(RetryPolicy{Limit: 1, Methods: []string{http.MethodPost}, BackoffLimit: time.Second})
	assert.Equal(t, []string{http.MethodPost}, p.Methods)
	assert.Equal(t, time.Second, p.BackoffLimit)
	assert.Equal(t, base.AfterStatusCodes, p.AfterStatusCodes)
}

func TestShouldRetryStatus(t *testing.T) {
	tests := []struct {
		name   string
		method string
		code   int
		retry  bool
	}{
		{"server error", http.MethodGet, 500, true},
		{"unavailable", http.MethodGet, 503, true},
		{"not found", http.MethodGet, 404, false},
		{"bad request", http.MethodGet, 400, false},
		{"post is not idempotent", http.MethodPost, 503, false},
		{"put", http.MethodPut, 502, true},
		{"lowercase method", "get", 504, true},
		{"payload too large without hint", http.MethodGet, 413, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetrier(DefaultRetryPolicy())
			_, ok := r.ShouldRetry(tt.method, statusResponse(tt.code, nil))
			assert.Equal(t, tt.retry, ok)
		})
	}
}

func TestShouldRetryBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Limit = 3
	policy.BackoffLimit = 500 * time.Millisecond
	r := NewRetrier(policy)

	var delays []time.Duration
	for {
		d, ok := r.ShouldRetry(http.MethodGet, statusResponse(500, nil))
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}, delays)
	assert.Equal(t, 3, r.Attempt)
}

func TestRetryAfterHint(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		code   int
		header http.Header
		delay  time.Duration
		retry  bool
	}{
		{
			name:   "seconds",
			code:   429,
			header: http.Header{"Retry-After": {"120"}},
			delay:  120 * time.Second,
			retry:  true,
		},
		{
			name:   "fractional seconds",
			code:   503,
			header: http.Header{"Retry-After": {"0.5"}},
			delay:  500 * time.Millisecond,
			retry:  true,
		},
		{
			name:   "http date",
			code:   503,
			header: http.Header{"Retry-After": {now.Add(10 * time.Second).Format(http.TimeFormat)}},
			delay:  10 * time.Second,
			retry:  true,
		},
		{
			name:   "reset timestamp",
			code:   429,
			header: http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Add(5*time.Second).Unix(), 10)}},
			delay:  5 * time.Second,
			retry:  true,
		},
		{
			name:   "retry-after wins over reset headers",
			code:   429,
			header: http.Header{"Retry-After": {"2"}, "Ratelimit-Reset": {"9"}},
			delay:  2 * time.Second,
			retry:  true,
		},
		{
			name:   "timestamp in the past",
			code:   429,
			header: http.Header{"Ratelimit-Reset": {strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)}},
			delay:  0,
			retry:  true,
		},
		{
			name:   "payload too large with hint",
			code:   413,
			header: http.Header{"Retry-After": {"3"}},
			delay:  3 * time.Second,
			retry:  true,
		},
		{
			name:   "hint ignored for other statuses",
			code:   500,
			header: http.Header{"Retry-After": {"30"}},
			delay:  300 * time.Millisecond,
			retry:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetrier(DefaultRetryPolicy())
			r.Now = func() time.Time { return now }
			d, ok := r.ShouldRetry(http.MethodGet, statusResponse(tt.code, tt.header))
			require.Equal(t, tt.retry, ok)
			assert.Equal(t, tt.delay, d)
		})
	}
}

func TestMaxRetryAfter(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxRetryAfter = time.Minute
	r := NewRetrier(policy)

	_, ok := r.ShouldRetry(http.MethodGet, statusResponse(429, http.Header{"Retry-After": {"120"}}))
	assert.False(t, ok)
	assert.Zero(t, r.Attempt)

	d, ok := r.ShouldRetry(http.MethodGet, statusResponse(429, http.Header{"Retry-After": {"30"}}))
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}

func TestShouldRetryError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{"unsent network error", &NetworkError{Op: "dial", Err: errors.New("refused")}, true},
		{"sent network error", &NetworkError{Op: "read", Sent: true, Err: errors.New("reset")}, false},
		{"request error with status", &RequestError{Status: 502}, true},
		{"request error from a frame", &RequestError{Message: "nope"}, false},
		{"cancellation", &CancellationError{Err: context.Canceled}, false},
		{"deadline", context.DeadlineExceeded, false},
		{"other", errors.New("encode"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetrier(DefaultRetryPolicy())
			_, ok := r.ShouldRetryError(http.MethodGet, tt.err)
			assert.Equal(t, tt.retry, ok)
		})
	}
}

func TestRetryAttempts(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Limit = 3
	r := NewRetrier(policy)

	var slept []time.Duration
	r.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	var retried []int
	r.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	attempts := 0
	_, err := Retry(context.Background(), r, http.MethodGet, func(context.Context) (int, error) {
		attempts++
		return 0, &RequestError{Status: 500, Message: "down"}
	})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 500, reqErr.Status)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []int{1, 2, 3}, retried)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond}, slept)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	r := NewRetrier(DefaultRetryPolicy())
	r.Sleep = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	v, err := Retry(context.Background(), r, http.MethodGet, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &NetworkError{Op: "request", Err: errors.New("refused")}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Delay = func(int) time.Duration { return time.Hour }
	r := NewRetrier(policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := Retry(ctx, r, http.MethodGet, func(context.Context) (int, error) {
		return 0, &RequestError{Status: 503}
	})

	assert.True(t, IsCancellation(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryKeepsCallCancellation(t *testing.T) {
	r := NewRetrier(DefaultRetryPolicy())
	_, err := Retry(context.Background(), r, http.MethodGet, func(context.Context) (int, error) {
		return 0, &CancellationError{ID: 7, Err: context.Canceled}
	})

	var ce *CancellationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(7), ce.ID)
	assert.Zero(t, r.Attempt)
}
