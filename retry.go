// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls how failed HTTP attempts are retried.
type RetryPolicy struct {
	// Limit is the number of retries after the first attempt.
	Limit int

	// Methods are the HTTP methods that may be retried.
	Methods []string

	// StatusCodes are the response statuses that may be retried.
	StatusCodes []int

	// AfterStatusCodes are the statuses for which a retry hint header is
	// honoured.
	AfterStatusCodes []int

	// MaxRetryAfter refuses retries whose hinted delay is longer. Zero means
	// unbounded.
	MaxRetryAfter time.Duration

	// BackoffLimit caps the computed backoff delay. Zero means unbounded.
	BackoffLimit time.Duration

	// Delay computes the backoff for the given (1-based) retry number.
	Delay func(attempt int) time.Duration

	// limitSet marks a Limit of zero as explicit.
	limitSet bool
}

// DefaultRetryPolicy returns the stock policy: two retries of idempotent
// methods on transient statuses, with exponential backoff from 300ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Limit: 2,
		Methods: []string{
			http.MethodGet, http.MethodPut, http.MethodHead,
			http.MethodDelete, http.MethodOptions, http.MethodTrace,
		},
		StatusCodes:      []int{408, 413, 429, 500, 502, 503, 504},
		AfterStatusCodes: []int{413, 429, 503},
		Delay:            DefaultDelay,
	}
}

// DefaultDelay is 0.3s * 2^(attempt-1).
func DefaultDelay(attempt int) time.Duration {
	return time.Duration(math.Round(0.3 * math.Pow(2, float64(attempt-1)) * float64(time.Second)))
}

// Retries is shorthand for a policy that only sets the retry limit.
// Retries(0) disables retrying when merged over another policy.
func Retries(n int) RetryPolicy {
	return RetryPolicy{Limit: n, limitSet: true}
}

// Merge returns p overridden by o. Zero-valued fields of o inherit from p,
// so a zero Limit only overrides when it comes from Retries.
func (p RetryPolicy) Merge(o RetryPolicy) RetryPolicy {
	if o.limitSet || o.Limit != 0 {
		p.Limit = o.Limit
		p.limitSet = true
	}
	if o.Methods != nil {
		p.Methods = o.Methods
	}
	if o.StatusCodes != nil {
		p.StatusCodes = o.StatusCodes
	}
	if o.AfterStatusCodes != nil {
		p.AfterStatusCodes = o.AfterStatusCodes
	}
	if o.MaxRetryAfter != 0 {
		p.MaxRetryAfter = o.MaxRetryAfter
	}
	if o.BackoffLimit != 0 {
		p.BackoffLimit = o.BackoffLimit
	}
	if o.Delay != nil {
		p.Delay = o.Delay
	}
	return p
}

// Retry hint headers, in priority order.
var retryAfterHeaders = []string{
	"Retry-After",
	"RateLimit-Reset",
	"X-RateLimit-Reset",
	"X-Rate-Limit-Reset",
}

// Numeric hints at or past this instant are absolute timestamps rather than
// second counts.
var timestampThreshold = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Retrier tracks the retry budget of one logical call.
type Retrier struct {
	Policy  RetryPolicy
	Attempt int

	// Now and Sleep default to the wall clock and a cancellable timer.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewRetrier returns a Retrier for policy with a zero attempt count.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{Policy: policy}
}

func (r *Retrier) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Retrier) allowed(method string) bool {
	if r.Attempt >= r.Policy.Limit {
		return false
	}
	return slices.Contains(r.Policy.Methods, strings.ToUpper(method))
}

// ShouldRetry decides whether a request with the given method that received
// resp may be retried, and after how long.
func (r *Retrier) ShouldRetry(method string, resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	return r.shouldRetryStatus(method, resp.StatusCode, resp.Header)
}

func (r *Retrier) shouldRetryStatus(method string, code int, header http.Header) (time.Duration, bool) {
	if !r.allowed(method) || !slices.Contains(r.Policy.StatusCodes, code) {
		return 0, false
	}

	if slices.Contains(r.Policy.AfterStatusCodes, code) {
		if hint, ok := r.retryAfter(header); ok {
			if r.Policy.MaxRetryAfter > 0 && hint > r.Policy.MaxRetryAfter {
				return 0, false
			}
			r.Attempt++
			return hint, true
		}
		if code == http.StatusRequestEntityTooLarge {
			return 0, false
		}
	}
	return r.backoff(), true
}

// ShouldRetryError classifies a failed attempt.
func (r *Retrier) ShouldRetryError(method string, err error) (time.Duration, bool) {
	if err == nil || IsCancellation(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Status == 0 {
			return 0, false
		}
		return r.shouldRetryStatus(method, reqErr.Status, reqErr.Header)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) && !netErr.Sent && r.allowed(method) {
		return r.backoff(), true
	}
	return 0, false
}

func (r *Retrier) backoff() time.Duration {
	r.Attempt++
	delay := DefaultDelay
	if r.Policy.Delay != nil {
		delay = r.Policy.Delay
	}
	d := delay(r.Attempt)
	if r.Policy.BackoffLimit > 0 && d > r.Policy.BackoffLimit {
		d = r.Policy.BackoffLimit
	}
	return d
}

func (r *Retrier) retryAfter(header http.Header) (time.Duration, bool) {
	var value string
	for _, name := range retryAfterHeaders {
		if value = header.Get(name); value != "" {
			break
		}
	}
	if value == "" {
		return 0, false
	}

	now := r.now()
	var d time.Duration
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		ms := secs * 1000
		if ms >= float64(timestampThreshold.UnixMilli()) {
			d = time.UnixMilli(int64(ms)).Sub(now)
		} else {
			d = time.Duration(ms * float64(time.Millisecond))
		}
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}
	return max(d, 0), true
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs attempt until it succeeds, the retrier refuses another
// try, or ctx is cancelled. Cancellation aborts a pending backoff sleep
// immediately.
func Retry[T any](ctx context.Context, r *Retrier, method string, attempt func(context.Context) (T, error)) (T, error) {
	var zero T
	for {
		if ctx.Err() != nil {
			return zero, cancelled(ctx, 0)
		}
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		if IsCancellation(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, cancelled(ctx, 0)
		}
		delay, ok := r.ShouldRetryError(method, err)
		if !ok {
			return zero, err
		}
		if r.OnRetry != nil {
			r.OnRetry(r.Attempt, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return zero, cancelled(ctx, 0)
		}
	}
}

func logRetry(log *zap.Logger, url string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		log.Debug("retrying request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
