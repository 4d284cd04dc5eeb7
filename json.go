// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	rpc "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// callJSONRPC posts a JSON-RPC 2.0 envelope for routes in the jsonrpc
// format. Arguments not consumed by the path become the named params
// object; the route name is the JSON-RPC method.
func (c *Client) callJSONRPC(ctx context.Context, route *Route, args []any, reply any, o *Options) error {
	uri, params, err := route.expand(c.prefix, args)
	if err != nil {
		return err
	}
	requestBodyBytes, err := rpc.EncodeClientRequest(route.name, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	uri.RawQuery = o.queryParams.Encode()

	hc := &httpCall{
		method: http.MethodPost,
		url:    uri,
		header: c.mergeHeaders(o),
		body:   requestBodyBytes,
	}
	hc.header.Set("Content-Type", "application/json")

	c.log.Debug("sending json-rpc request", zap.String("method", route.name), zap.String("uri", uri.String()))
	resp, err := c.doHTTP(ctx, hc, o)
	if err != nil {
		return err
	}
	defer CleanlyCloseBody(resp.Body)

	var raw rawReply
	if err := rpc.DecodeClientResponse(resp.Body, &raw); err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			e := fromJSON2(resp.StatusCode, rpcErr)
			e.Header = resp.Header
			return e
		}
		if errors.Is(err, rpc.ErrNullResult) {
			return nil
		}
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	if err := decodeInto(c.codec, raw, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// rawReply captures a result without decoding it, so the client's codec
// decides how the reply is interpreted.
type rawReply []byte

func (r *rawReply) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
