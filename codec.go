// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"encoding/json"
)

// Codec encodes call arguments and decodes results.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// RawCodec leaves results undecoded when the reply is a *json.RawMessage
// or *[]byte, and falls back to JSON otherwise. Pre-encoded []byte and
// json.RawMessage arguments are passed through unchanged.
type RawCodec struct{}

func (RawCodec) Encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(v)
}

func (RawCodec) Decode(data []byte, v interface{}) error {
	switch b := v.(type) {
	case *json.RawMessage:
		*b = append((*b)[:0], data...)
		return nil
	case *[]byte:
		*b = append((*b)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// Raw is a codec that passes pre-encoded JSON through unchanged
var Raw Codec = RawCodec{}

func decodeInto(c Codec, data []byte, reply interface{}) error {
	if reply == nil || len(data) == 0 {
		return nil
	}
	if c == nil {
		c = defaultCodec
	}
	return c.Decode(data, reply)
}
