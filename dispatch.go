// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

func checkPattern(route *Route, want ResultPattern) error {
	if route.pattern != want {
		return fmt.Errorf("%w: %s is a %s route", ErrBadPattern, route.name, route.pattern)
	}
	return nil
}

// Call makes a request-pattern call and decodes its result into reply.
func (c *Client) Call(ctx context.Context, route *Route, args []any, reply any, opts ...Option) (err error) {
	if err := checkPattern(route, PatternRequest); err != nil {
		return err
	}
	if route.format == FormatResponse {
		return fmt.Errorf("%s returns a raw response; use Response", route.name)
	}
	o := NewOptions(opts)
	transport := c.transportFor(route)
	start := time.Now()
	defer func() { c.metrics.observeCall(transport, route.pattern, start, err) }()

	if route.format == FormatJSONRPC {
		return c.callJSONRPC(ctx, route, args, reply, o)
	}

	var result json.RawMessage
	if transport == TransportSocket {
		result, err = c.requestSocket(ctx, route, args, o)
	} else {
		result, err = c.requestHTTP(ctx, route, args, o)
	}
	if err != nil {
		return err
	}
	if err := decodeInto(c.codec, result, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// Notify makes a notification-pattern call. Over the socket it returns once
// the frame is written; over HTTP once a successful status arrives.
func (c *Client) Notify(ctx context.Context, route *Route, args []any, opts ...Option) (err error) {
	if err := checkPattern(route, PatternNotification); err != nil {
		return err
	}
	o := NewOptions(opts)
	transport := c.transportFor(route)
	start := time.Now()
	defer func() { c.metrics.observeCall(transport, route.pattern, start, err) }()

	if transport == TransportSocket {
		return c.notifySocket(ctx, route, args, o)
	}
	_, err = c.requestHTTP(ctx, route, args, o)
	return err
}

// Stream makes a stream-pattern call. The returned Stream reads lazily;
// cancelling ctx ends it early.
func (c *Client) Stream(ctx context.Context, route *Route, args []any, opts ...Option) (*Stream, error) {
	if err := checkPattern(route, PatternStream); err != nil {
		return nil, err
	}
	transport := c.transportFor(route)
	start := time.Now()

	o := NewOptions(opts)
	var s *Stream
	var err error
	if transport == TransportSocket {
		s, err = c.streamSocket(ctx, route, args, o)
	} else {
		s, err = c.streamHTTP(ctx, route, nil, args, o)
	}
	if err != nil {
		c.metrics.observeCall(transport, route.pattern, start, err)
		return nil, err
	}
	s.onDone = func(err error) { c.metrics.observeCall(transport, route.pattern, start, err) }
	return s, nil
}

// NextPage fetches the page following s, or returns nil when s has none.
// s must be exhausted.
func (c *Client) NextPage(ctx context.Context, route *Route, s *Stream, opts ...Option) (*Stream, error) {
	return c.follow(ctx, route, s.NextPage(), opts)
}

// PrevPage fetches the page preceding s, or returns nil when s has none.
func (c *Client) PrevPage(ctx context.Context, route *Route, s *Stream, opts ...Option) (*Stream, error) {
	return c.follow(ctx, route, s.PrevPage(), opts)
}

func (c *Client) follow(ctx context.Context, route *Route, link *url.URL, opts []Option) (*Stream, error) {
	if link == nil {
		return nil, nil
	}
	if err := checkPattern(route, PatternStream); err != nil {
		return nil, err
	}
	return c.streamHTTP(ctx, route, link, nil, NewOptions(opts))
}

// Response makes a call on a raw-response route and returns the HTTP
// response undecoded. The caller must close its body.
func (c *Client) Response(ctx context.Context, route *Route, args []any, opts ...Option) (resp *http.Response, err error) {
	if route.format != FormatResponse {
		return nil, fmt.Errorf("%s is not a raw-response route", route.name)
	}
	o := NewOptions(opts)
	start := time.Now()
	defer func() { c.metrics.observeCall(TransportHTTP, route.pattern, start, err) }()

	hc, err := c.prepareHTTP(route, args, o)
	if err != nil {
		return nil, err
	}
	return c.doHTTP(ctx, hc, o)
}

// Result is the outcome of Invoke. Exactly one field is set for a
// successful call, according to the route's pattern and format.
type Result struct {
	Value    json.RawMessage
	Stream   *Stream
	Response *http.Response
}

// Invoke dispatches on the route's compiled pattern and format.
func (c *Client) Invoke(ctx context.Context, route *Route, args []any, opts ...Option) (*Result, error) {
	switch {
	case route.format == FormatResponse:
		resp, err := c.Response(ctx, route, args, opts...)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	case route.pattern == PatternStream:
		s, err := c.Stream(ctx, route, args, opts...)
		if err != nil {
			return nil, err
		}
		return &Result{Stream: s}, nil
	case route.pattern == PatternNotification:
		return &Result{}, c.Notify(ctx, route, args, opts...)
	}
	var v json.RawMessage
	if err := c.Call(ctx, route, args, &v, opts...); err != nil {
		return nil, err
	}
	return &Result{Value: v}, nil
}

// Call is an asynchronous call started by Go.
type Call struct {
	Route *Route
	Args  []any
	Reply any
	Error error
	Done  chan *Call
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done is full; the caller chose a channel too small for its calls.
	}
}

// Go starts a request or notification call in the background and delivers
// the settled Call, error included, on done. A nil done gets a fresh
// buffered channel.
func (c *Client) Go(ctx context.Context, route *Route, args []any, reply any, done chan *Call, opts ...Option) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("rpcwire: done channel is unbuffered")
	}
	call := &Call{Route: route, Args: args, Reply: reply, Done: done}
	go func() {
		if route.pattern == PatternNotification {
			call.Error = c.Notify(ctx, route, args, opts...)
		} else {
			call.Error = c.Call(ctx, route, args, reply, opts...)
		}
		call.done()
	}()
	return call
}
