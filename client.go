// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Client dispatches calls described by compiled routes over HTTP or over a
// shared socket. It is safe for concurrent use; all socket-capable calls of
// one Client share a single lazily opened connection.
type Client struct {
	prefix     *url.URL
	socketURL  string
	httpClient *http.Client
	headers    http.Header
	retry      RetryPolicy
	codec      Codec
	socketOpts SocketOptions
	log        *zap.Logger
	metrics    *metrics

	mu     sync.Mutex
	sock   *socketConn
	closed bool
}

// DialOption configures a Client
type DialOption func(*dialOptions)

type dialOptions struct {
	httpClient *http.Client
	headers    http.Header
	retry      *RetryPolicy
	codec      Codec
	socketURL  string
	socket     SocketOptions
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithHTTPClient sets the client used for HTTP round trips
func WithHTTPClient(hc *http.Client) DialOption {
	return func(o *dialOptions) { o.httpClient = hc }
}

// WithHeader adds a header sent with every request
func WithHeader(key, value string) DialOption {
	return func(o *dialOptions) { o.headers.Add(key, value) }
}

// WithRetry overrides the default retry policy (see RetryPolicy.Merge)
func WithRetry(p RetryPolicy) DialOption {
	return func(o *dialOptions) { o.retry = &p }
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithSocketURL enables the socket transport for socket-capable routes.
// The URL may use the http(s) or ws(s) scheme.
func WithSocketURL(u string) DialOption {
	return func(o *dialOptions) { o.socketURL = u }
}

// WithSocketOptions sets keepalive, idle and dial settings of the socket
func WithSocketOptions(s SocketOptions) DialOption {
	return func(o *dialOptions) { o.socket = s }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithMetrics registers the client's collectors on reg
func WithMetrics(reg prometheus.Registerer) DialOption {
	return func(o *dialOptions) { o.registerer = reg }
}

// New returns a Client whose routes resolve against prefixURL.
func New(prefixURL string, opts ...DialOption) (*Client, error) {
	o := &dialOptions{
		headers: make(http.Header),
		socket:  DefaultSocketOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}

	prefix, err := url.Parse(prefixURL)
	if err != nil {
		return nil, fmt.Errorf("parse prefix url: %w", err)
	}
	if prefix.Scheme != "http" && prefix.Scheme != "https" {
		return nil, fmt.Errorf("prefix url %q: unsupported scheme %q", prefixURL, prefix.Scheme)
	}

	c := &Client{
		prefix:     prefix,
		httpClient: o.httpClient,
		headers:    o.headers,
		retry:      DefaultRetryPolicy(),
		codec:      o.codec,
		socketOpts: o.socket,
		log:        o.logger,
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient()
	}
	if c.codec == nil {
		c.codec = defaultCodec
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if o.retry != nil {
		c.retry = c.retry.Merge(*o.retry)
	}
	if o.socketURL != "" {
		if c.socketURL, err = socketScheme(o.socketURL); err != nil {
			return nil, err
		}
	}
	if c.metrics, err = newMetrics(o.registerer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func socketScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socket url %q: unsupported scheme %q", raw, u.Scheme)
	}
	return u.String(), nil
}

// Close closes the socket, failing its pending calls, and releases idle
// HTTP connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sock
	c.sock = nil
	c.mu.Unlock()

	if s != nil {
		s.close(ErrClosed)
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// Option configures a single call
type Option func(*Options)

// Options are the per-call settings built from Option values.
type Options struct {
	headers     http.Header
	queryParams url.Values
	retry       *RetryPolicy
}

// NewOptions applies options over empty call settings.
func NewOptions(options []Option) *Options {
	o := &Options{
		headers:     make(http.Header),
		queryParams: make(url.Values),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// WithCallHeader adds a header to this call only
func WithCallHeader(key, value string) Option {
	return func(o *Options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to this call only
func WithQueryParam(key, value string) Option {
	return func(o *Options) { o.queryParams.Add(key, value) }
}

// WithCallRetry overrides the client's retry policy for this call
func WithCallRetry(p RetryPolicy) Option {
	return func(o *Options) { o.retry = &p }
}

// WithRetries sets only the retry limit for this call
func WithRetries(n int) Option {
	return WithCallRetry(Retries(n))
}

func (c *Client) retrier(o *Options, transport, target string) *Retrier {
	policy := c.retry
	if o.retry != nil {
		policy = policy.Merge(*o.retry)
	}
	r := NewRetrier(policy)
	logf := logRetry(c.log, target)
	r.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.retried(transport)
		logf(attempt, delay, err)
	}
	return r
}

// mergeHeaders returns the client's default headers overridden by the
// call's.
func (c *Client) mergeHeaders(o *Options) http.Header {
	h := c.headers.Clone()
	for k, vs := range o.headers {
		h[k] = append([]string(nil), vs...)
	}
	return h
}
