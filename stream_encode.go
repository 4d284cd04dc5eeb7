// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/rpc/v2/json2"
)

// Streaming content types. JSON text sequences are sent as an octet
// stream, with the real type in MarkerHeader, so that clients which buffer
// known text types still receive records as they are written.
const (
	ContentTypeNDJSON  = "application/x-ndjson"
	ContentTypeJSONSeq = "application/json-seq"
	ContentTypeOctet   = "application/octet-stream"
	MarkerHeader       = "X-Content-Type"
)

// Page carries the cursors of the neighbouring pages of a stream.
type Page struct {
	Prev Cursor
	Next Cursor
}

// Producer generates the values of a streaming result. Each value is passed
// to emit; an emit error means the client went away and production should
// stop. The returned Page, if any, is written as the terminal record.
type Producer func(ctx context.Context, emit func(v any) error) (*Page, error)

// WriteStream serves the result of produce on w in the given format. If
// produce fails or panics after some values were written, the failure is
// sent as a terminal error record so the values already sent stay valid.
func WriteStream(w http.ResponseWriter, r *http.Request, format ResultFormat, produce Producer) error {
	h := w.Header()
	switch format {
	case FormatJSONSeq:
		h.Set("Content-Type", ContentTypeOctet)
		h.Set(MarkerHeader, ContentTypeJSONSeq)
	case FormatJSON:
		h.Set("Content-Type", ContentTypeNDJSON)
	default:
		return fmt.Errorf("stream format %s is not a streaming format", format)
	}
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	return EncodeStream(r.Context(), w, flush, format, r.URL, produce)
}

// EncodeStream writes the records of produce to w. base is the URL of the
// request being answered; pagination links are built from it.
func EncodeStream(ctx context.Context, w io.Writer, flush func(), format ResultFormat, base *url.URL, produce Producer) error {
	if flush == nil {
		flush = func() {}
	}
	enc := &recordWriter{w: w, seq: format == FormatJSONSeq, flush: flush}

	page, err := runProducer(ctx, produce, enc.value)
	if enc.err != nil {
		return enc.err
	}
	if err != nil {
		return enc.terminal(enc.key("error"), errorRecord(err))
	}
	if page == nil {
		return nil
	}
	if base == nil {
		base = &url.URL{}
	}
	return enc.terminal(enc.key("prev"), linkValue(base, page.Prev), enc.key("next"), linkValue(base, page.Next))
}

func runProducer(ctx context.Context, produce Producer, emit func(any) error) (page *Page, err error) {
	defer func() {
		if p := recover(); p != nil {
			page, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return produce(ctx, emit)
}

func linkValue(base *url.URL, c Cursor) any {
	if c == nil {
		return nil
	}
	return CreateLink(base, c)
}

func errorRecord(err error) *wireError {
	we := &wireError{}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		we.Code = json2.ErrorCode(reqErr.Code)
		we.Message = reqErr.Message
		we.Data = reqErr.Data
		we.Stack = reqErr.Stack
		return we
	}
	we.Message = err.Error()
	return we
}

type recordWriter struct {
	w     io.Writer
	seq   bool
	flush func()
	err   error
}

func (e *recordWriter) key(name string) string {
	if e.seq {
		return "$" + name
	}
	return name
}

func (e *recordWriter) value(v any) error {
	if e.err != nil {
		return e.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode stream record: %w", err)
	}
	if e.seq && len(data) > 0 && data[0] == '{' {
		var fields map[string]json.RawMessage
		if json.Unmarshal(data, &fields) == nil {
			for k := range fields {
				if seqTerminalKeys[k] {
					return fmt.Errorf("stream record uses reserved key %q", k)
				}
			}
		}
	}
	e.err = e.write(data)
	return e.err
}

func (e *recordWriter) terminal(kv ...any) error {
	obj := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		obj[kv[i].(string)] = kv[i+1]
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode terminal record: %w", err)
	}
	return e.write(data)
}

func (e *recordWriter) write(data []byte) error {
	buf := make([]byte, 0, len(data)+2)
	if e.seq {
		buf = append(buf, recordSeparator)
	}
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write stream record: %w", err)
	}
	e.flush()
	return nil
}
