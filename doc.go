// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcwire is the client side of a route-table RPC protocol. Calls
// are described by compiled routes and travel either as plain HTTP requests
// or as frames on one shared, lazily opened websocket.
//
// # Result patterns
//
// A route produces one of three result shapes:
//
//   - request: exactly one reply (Client.Call)
//   - notification: no reply (Client.Notify)
//   - stream: a lazy sequence of replies (Client.Stream)
//
// Streams arrive as NDJSON or as JSON text sequences over HTTP, or as
// id-tagged frames on the socket. A stream may end with a terminal record
// carrying an error or pagination links; see Client.NextPage.
//
// # Usage
//
//	client, err := rpcwire.New("https://api.example.com/v1",
//	    rpcwire.WithSocketURL("wss://api.example.com/v1/ws"),
//	    rpcwire.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	getUser := rpcwire.MustCompile(rpcwire.RouteDescriptor{
//	    Name: "users.get", Method: "GET", Path: "/users/:id",
//	    Params: []string{"id"}, Socket: true,
//	})
//
//	var user User
//	err = client.Call(ctx, getUser, []any{42}, &user)
//
// # Retries
//
// Failed attempts are retried under a RetryPolicy: idempotent methods,
// transient statuses, exponential backoff, and server retry hints such as
// Retry-After. Socket requests are only retried when the frame never left
// the client.
//
// # Serving streams
//
// WriteStream and EncodeStream produce the streaming formats this client
// reads, including terminal error and pagination records.
package rpcwire
