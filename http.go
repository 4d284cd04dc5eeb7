// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const maxErrorBody = 1 << 20

// newHTTPClient returns the default HTTP client. It has no overall timeout
// because streaming responses may stay open indefinitely; callers bound
// calls with their context instead.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	// Drain any remaining data to allow connection reuse
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	return body.Close()
}

// httpCall is one fully resolved HTTP request, replayable across attempts.
type httpCall struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
}

func (c *Client) prepareHTTP(route *Route, args []any, o *Options) (*httpCall, error) {
	u, rest, err := route.expand(c.prefix, args)
	if err != nil {
		return nil, err
	}
	hc := &httpCall{method: route.method, url: u, header: c.mergeHeaders(o)}

	q := u.Query()
	if route.hasBody() {
		if len(rest) > 0 {
			if hc.body, err = c.codec.Encode(rest); err != nil {
				return nil, fmt.Errorf("encode args: %w", err)
			}
			hc.header.Set("Content-Type", "application/json")
		}
	} else {
		for k, v := range rest {
			q.Set(k, encodeQueryValue(v))
		}
	}
	for k, vs := range o.queryParams {
		q[k] = append(q[k], vs...)
	}
	u.RawQuery = q.Encode()

	c.setAccept(route, hc.header)
	return hc, nil
}

func (c *Client) setAccept(route *Route, h http.Header) {
	switch route.format {
	case FormatJSONSeq:
		h.Set("Accept", ContentTypeJSONSeq+", "+ContentTypeOctet)
	case FormatJSON:
		if route.pattern == PatternStream {
			h.Set("Accept", ContentTypeNDJSON)
		} else {
			h.Set("Accept", "application/json")
		}
	}
}

// roundTrip performs a single attempt. Non-2xx responses become
// *RequestError; transport failures become *NetworkError.
func (c *Client) roundTrip(ctx context.Context, hc *httpCall) (*http.Response, error) {
	var body io.Reader
	if hc.body != nil {
		body = bytes.NewReader(hc.body)
	}
	req, err := http.NewRequestWithContext(ctx, hc.method, hc.url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = hc.header.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx, 0)
		}
		return nil, &NetworkError{Op: "request", URL: hc.url.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer CleanlyCloseBody(resp.Body)
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

// errorFromResponse reads the error object of a failed response. Bodies
// that are not a JSON error object fall back to their text or the status
// text.
func errorFromResponse(resp *http.Response) *RequestError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope struct {
		wireError
		Error *wireError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		we := &envelope.wireError
		if envelope.Error != nil {
			we = envelope.Error
		}
		if we.Message != "" {
			e := we.toRequestError(resp.StatusCode)
			e.Header = resp.Header
			return e
		}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/") {
		msg = http.StatusText(resp.StatusCode)
	}
	return &RequestError{Status: resp.StatusCode, Header: resp.Header, Message: msg}
}

// doHTTP runs hc under the retry policy and returns the first successful
// response.
func (c *Client) doHTTP(ctx context.Context, hc *httpCall, o *Options) (*http.Response, error) {
	r := c.retrier(o, TransportHTTP, hc.url.String())
	resp, err := Retry(ctx, r, hc.method, func(ctx context.Context) (*http.Response, error) {
		return c.roundTrip(ctx, hc)
	})
	if err != nil {
		c.log.Debug("request failed",
			zap.String("method", hc.method),
			zap.String("url", hc.url.String()),
			zap.Int("attempts", r.Attempt+1),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

func (c *Client) requestHTTP(ctx context.Context, route *Route, args []any, o *Options) (json.RawMessage, error) {
	hc, err := c.prepareHTTP(route, args, o)
	if err != nil {
		return nil, err
	}
	resp, err := c.doHTTP(ctx, hc, o)
	if err != nil {
		return nil, err
	}
	defer CleanlyCloseBody(resp.Body)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx, 0)
		}
		return nil, &NetworkError{Op: "read", URL: hc.url.String(), Sent: true, Err: err}
	}
	return data, nil
}

func (c *Client) streamHTTP(ctx context.Context, route *Route, target *url.URL, args []any, o *Options) (*Stream, error) {
	var hc *httpCall
	if target != nil {
		hc = &httpCall{method: route.method, url: target, header: c.mergeHeaders(o)}
		c.setAccept(route, hc.header)
	} else {
		var err error
		if hc, err = c.prepareHTTP(route, args, o); err != nil {
			return nil, err
		}
	}
	resp, err := c.doHTTP(ctx, hc, o)
	if err != nil {
		return nil, err
	}

	format := route.format
	if resp.Header.Get(MarkerHeader) == ContentTypeJSONSeq ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), ContentTypeJSONSeq) {
		format = FormatJSONSeq
	}
	base := hc.url
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	return newStream(ctx, newByteSource(resp.Body, format, c.log), base, c.codec), nil
}
