// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Transport types
const (
	TransportHTTP   = "http"   // one request/response per call
	TransportSocket = "socket" // shared persistent socket
)

// maxReconnects bounds how often a call chases a connection that retired
// between being handed out and accepting the call.
const maxReconnects = 3

// transportFor picks the transport a route is called over.
func (c *Client) transportFor(route *Route) string {
	if route.socket && c.socketURL != "" {
		return TransportSocket
	}
	return TransportHTTP
}

// socket returns the client's connection, replacing it when it is closing
// or closed. The check and the swap happen under one lock, so concurrent
// callers never open two connections.
func (c *Client) socket() (*socketConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.socketURL == "" {
		return nil, ErrNoSocket
	}
	if c.sock != nil && c.sock.usable() {
		return c.sock, nil
	}
	hdr := c.socketOpts.Header.Clone()
	if hdr == nil {
		hdr = c.headers.Clone()
	}
	opts := c.socketOpts
	opts.Header = hdr
	c.sock = newSocketConn(c.socketURL, opts, c.log, c.metrics)
	return c.sock, nil
}

// onSocket runs fn on a live connection, moving to a fresh one if the
// connection it was given retired in the meantime.
func (c *Client) onSocket(fn func(*socketConn) error) error {
	for i := 0; i < maxReconnects; i++ {
		s, err := c.socket()
		if err != nil {
			return err
		}
		if err = fn(s); !errors.Is(err, errConnRetired) {
			return err
		}
	}
	return &NetworkError{Op: "dial", URL: c.socketURL, Err: errConnRetired}
}

func (c *Client) socketParams(args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	params, err := c.codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return params, nil
}

// requestSocket sends a request frame. Only failures before the frame left
// the client are retried; a request the peer may have seen is not.
func (c *Client) requestSocket(ctx context.Context, route *Route, args []any, o *Options) (json.RawMessage, error) {
	params, err := c.socketParams(args)
	if err != nil {
		return nil, err
	}
	r := c.retrier(o, TransportSocket, c.socketURL)
	return Retry(ctx, r, route.method, func(ctx context.Context) (json.RawMessage, error) {
		var result json.RawMessage
		err := c.onSocket(func(s *socketConn) error {
			var err error
			result, err = s.request(ctx, route.name, params)
			return err
		})
		return result, err
	})
}

func (c *Client) notifySocket(ctx context.Context, route *Route, args []any, o *Options) error {
	params, err := c.socketParams(args)
	if err != nil {
		return err
	}
	r := c.retrier(o, TransportSocket, c.socketURL)
	_, err = Retry(ctx, r, route.method, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.onSocket(func(s *socketConn) error {
			return s.notify(ctx, route.name, params)
		})
	})
	return err
}

// streamSocket opens a stream. A stream whose frame never reached the peer
// is resubmitted under the retry policy; once any record has arrived a
// failure ends the stream instead.
func (c *Client) streamSocket(ctx context.Context, route *Route, args []any, o *Options) (*Stream, error) {
	params, err := c.socketParams(args)
	if err != nil {
		return nil, err
	}
	src := &socketStreamSource{
		c:      c,
		ctx:    ctx,
		route:  route,
		params: params,
		r:      c.retrier(o, TransportSocket, c.socketURL),
	}
	if err := src.submit(); err != nil {
		return nil, err
	}
	return newStream(ctx, src, nil, c.codec), nil
}

// socketStreamSource reads a socket stream, replacing its queue while no
// record has been delivered and the failure left the frame unsent.
type socketStreamSource struct {
	c      *Client
	ctx    context.Context
	route  *Route
	params json.RawMessage
	r      *Retrier

	q    *frameQueue
	seen bool
}

func (s *socketStreamSource) submit() error {
	q, err := Retry(s.ctx, s.r, s.route.method, func(context.Context) (*frameQueue, error) {
		var q *frameQueue
		err := s.c.onSocket(func(sc *socketConn) error {
			var err error
			q, err = sc.stream(s.ctx, s.route.name, s.params)
			return err
		})
		return q, err
	})
	if err != nil {
		return err
	}
	s.q = q
	return nil
}

func (s *socketStreamSource) read(ctx context.Context) (record, error) {
	for {
		rec, err := s.q.read(ctx)
		if err == nil {
			s.seen = true
			return rec, nil
		}
		if s.seen || ctx.Err() != nil {
			return rec, err
		}
		delay, ok := s.r.ShouldRetryError(s.route.method, err)
		if !ok {
			return rec, err
		}
		if s.r.OnRetry != nil {
			s.r.OnRetry(s.r.Attempt, delay, err)
		}
		s.q.close()
		if err := s.r.sleep(ctx, delay); err != nil {
			return record{}, err
		}
		if err := s.submit(); err != nil {
			return record{}, err
		}
	}
}

func (s *socketStreamSource) close() error {
	return s.q.close()
}
