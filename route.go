// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ResultPattern is the reply shape a route produces.
type ResultPattern uint8

const (
	PatternRequest      ResultPattern = iota + 1 // exactly one reply
	PatternNotification                          // no reply
	PatternStream                                // a sequence of replies
)

func (p ResultPattern) String() string {
	switch p {
	case PatternRequest:
		return "request"
	case PatternNotification:
		return "notification"
	case PatternStream:
		return "stream"
	}
	return "unknown"
}

// ResultFormat is the wire encoding of a route's result.
type ResultFormat uint8

const (
	FormatJSON     ResultFormat = iota + 1 // one JSON value, or NDJSON for streams
	FormatJSONSeq                          // JSON text sequence (RFC 7464)
	FormatResponse                         // untouched *http.Response
	FormatJSONRPC                          // JSON-RPC 2.0 envelope over POST
)

func (f ResultFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatJSONSeq:
		return "json-seq"
	case FormatResponse:
		return "response"
	case FormatJSONRPC:
		return "jsonrpc"
	}
	return "unknown"
}

// RouteDescriptor is one entry of the generator's route table.
type RouteDescriptor struct {
	Name    string   // method name used on the socket transport
	Method  string   // HTTP method
	Path    string   // template, e.g. /users/:id/files/*path
	Params  []string // positional argument names
	Pattern string   // "r", "n" or "s"
	Format  string   // "json", "json-seq", "response" or "jsonrpc"
	Socket  bool     // route may be called over the socket
}

type segment struct {
	literal  string
	param    string
	wildcard bool
}

// Route is a compiled, immutable RouteDescriptor.
type Route struct {
	name     string
	method   string
	params   []string
	pattern  ResultPattern
	format   ResultFormat
	socket   bool
	segments []segment
}

// Compile validates d and resolves its tags once.
func Compile(d RouteDescriptor) (*Route, error) {
	r := &Route{
		name:   d.Name,
		method: strings.ToUpper(d.Method),
		params: append([]string(nil), d.Params...),
		socket: d.Socket,
	}
	if r.method == "" {
		r.method = http.MethodGet
	}
	if r.name == "" {
		r.name = strings.Trim(d.Path, "/")
	}

	switch d.Pattern {
	case "r", "":
		r.pattern = PatternRequest
	case "n":
		r.pattern = PatternNotification
	case "s":
		r.pattern = PatternStream
	default:
		return nil, fmt.Errorf("route %s: unknown result pattern %q", d.Path, d.Pattern)
	}

	switch d.Format {
	case "json", "":
		r.format = FormatJSON
	case "json-seq":
		r.format = FormatJSONSeq
	case "response":
		r.format = FormatResponse
	case "jsonrpc":
		r.format = FormatJSONRPC
	default:
		return nil, fmt.Errorf("route %s: unknown result format %q", d.Path, d.Format)
	}
	if r.format == FormatJSONSeq && r.pattern != PatternStream {
		return nil, fmt.Errorf("route %s: json-seq requires the stream pattern", d.Path)
	}
	if r.format == FormatResponse && r.socket {
		return nil, fmt.Errorf("route %s: raw responses cannot be served over a socket", d.Path)
	}

	known := make(map[string]bool, len(r.params))
	for _, p := range r.params {
		known[p] = true
	}
	parts := strings.Split(strings.Trim(d.Path, "/"), "/")
	for i, part := range parts {
		switch {
		case part == "":
		case part[0] == ':':
			r.segments = append(r.segments, segment{param: part[1:]})
		case part[0] == '*':
			if i != len(parts)-1 {
				return nil, fmt.Errorf("route %s: wildcard must be the last segment", d.Path)
			}
			r.segments = append(r.segments, segment{param: part[1:], wildcard: true})
		default:
			r.segments = append(r.segments, segment{literal: part})
			continue
		}
		if part != "" && !known[r.segments[len(r.segments)-1].param] {
			return nil, fmt.Errorf("route %s: path parameter %q is not a declared parameter", d.Path, part)
		}
	}
	return r, nil
}

// MustCompile is like Compile but panics on an invalid descriptor. It is
// meant for generated route tables.
func MustCompile(d RouteDescriptor) *Route {
	r, err := Compile(d)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Route) Name() string           { return r.name }
func (r *Route) Method() string         { return r.method }
func (r *Route) Pattern() ResultPattern { return r.pattern }
func (r *Route) Format() ResultFormat   { return r.format }
func (r *Route) Socket() bool           { return r.socket }

// hasBody reports whether remaining arguments travel in the request body
// rather than the query string.
func (r *Route) hasBody() bool {
	switch r.method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// namedArgs pairs positional arguments with the route's parameter names.
func (r *Route) namedArgs(args []any) (map[string]any, error) {
	if len(args) > len(r.params) {
		return nil, fmt.Errorf("route %s: %d arguments for %d parameters", r.name, len(args), len(r.params))
	}
	named := make(map[string]any, len(args))
	for i, a := range args {
		named[r.params[i]] = a
	}
	return named, nil
}

// expand substitutes path parameters into prefix and returns the target URL
// together with the arguments the path did not consume.
func (r *Route) expand(prefix *url.URL, args []any) (*url.URL, map[string]any, error) {
	named, err := r.namedArgs(args)
	if err != nil {
		return nil, nil, err
	}
	var path strings.Builder
	path.WriteString(strings.TrimSuffix(prefix.Path, "/"))
	for _, seg := range r.segments {
		path.WriteByte('/')
		if seg.param == "" {
			path.WriteString(seg.literal)
			continue
		}
		v, ok := named[seg.param]
		if !ok || v == nil {
			return nil, nil, fmt.Errorf("route %s: missing path parameter %q", r.name, seg.param)
		}
		delete(named, seg.param)
		s := fmt.Sprint(v)
		if !seg.wildcard {
			path.WriteString(url.PathEscape(s))
			continue
		}
		parts := strings.Split(strings.Trim(s, "/"), "/")
		for i, p := range parts {
			parts[i] = url.PathEscape(p)
		}
		path.WriteString(strings.Join(parts, "/"))
	}

	u := *prefix
	u.RawPath = ""
	u.Path = path.String()
	if p, err := url.PathUnescape(u.Path); err == nil && p != u.Path {
		u.RawPath = u.Path
		u.Path = p
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &u, named, nil
}
