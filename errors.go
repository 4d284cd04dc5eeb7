// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrClosed       = errors.New("rpcwire: client closed")
	ErrNoSocket     = errors.New("rpcwire: no socket endpoint configured")
	ErrBadPattern   = errors.New("rpcwire: route has a different result pattern")
	errConnRetired  = errors.New("rpcwire: connection is closing")
	errPongTimeout  = errors.New("rpcwire: keepalive pong timeout")
	errIdleShutdown = errors.New("rpcwire: idle shutdown")
)

// NetworkError is a transport-level failure: refused connection, DNS
// failure, or a socket that dropped. Sent reports whether the request had
// already been written to a socket when the failure happened; such requests
// are never retried.
type NetworkError struct {
	Op   string
	URL  string
	Sent bool
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("rpcwire: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RequestError is an application error relayed by the peer. Status is the
// HTTP status of the response that carried it, or zero when it arrived in a
// socket frame or a stream record.
type RequestError struct {
	Status  int
	Header  http.Header
	Code    int
	Message string
	Data    any
	Stack   string
}

func (e *RequestError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpcwire: %s (code %d)", e.Message, e.Code)
	}
	return "rpcwire: " + e.Message
}

// GRPCStatus lets status.FromError and status.Code classify request errors.
func (e *RequestError) GRPCStatus() *status.Status {
	return status.New(grpcCode(e.Status), e.Message)
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case 0:
		return codes.Unknown
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return codes.Unavailable
	}
	if httpStatus >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}

// wireError is the error object carried by socket frames, error bodies and
// $error stream records. It extends the JSON-RPC 2.0 error object with an
// optional stack.
type wireError struct {
	json2.Error
	Stack string `json:"stack,omitempty"`
}

func (w *wireError) toRequestError(httpStatus int) *RequestError {
	return &RequestError{
		Status:  httpStatus,
		Code:    int(w.Code),
		Message: w.Message,
		Data:    w.Data,
		Stack:   w.Stack,
	}
}

func fromJSON2(httpStatus int, e *json2.Error) *RequestError {
	return &RequestError{
		Status:  httpStatus,
		Code:    int(e.Code),
		Message: e.Message,
		Data:    e.Data,
	}
}

// CancellationError reports that the caller cancelled the call. It unwraps
// to the context error so errors.Is(err, context.Canceled) holds.
type CancellationError struct {
	ID  uint64
	Err error
}

func (e *CancellationError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("rpcwire: call %d cancelled: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("rpcwire: call cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

func cancelled(ctx context.Context, id uint64) *CancellationError {
	err := context.Cause(ctx)
	if err == nil {
		err = context.Canceled
	}
	return &CancellationError{ID: id, Err: err}
}

// IsCancellation reports whether err came from the caller's own cancellation.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
