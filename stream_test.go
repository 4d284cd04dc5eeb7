// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTo(t *testing.T, format ResultFormat, base *url.URL, produce Producer) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeStream(context.Background(), &buf, nil, format, base, produce))
	return &buf
}

func readStream(ctx context.Context, r io.Reader, format ResultFormat, base *url.URL) *Stream {
	return newStream(ctx, newByteSource(io.NopCloser(r), format, nil), base, nil)
}

func collect(t *testing.T, s *Stream) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for s.Next() {
		out = append(out, s.Value())
	}
	return out
}

func emitAll(values ...any) Producer {
	return func(_ context.Context, emit func(any) error) (*Page, error) {
		for _, v := range values {
			if err := emit(v); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

func TestStreamFormats(t *testing.T) {
	for _, format := range []ResultFormat{FormatJSON, FormatJSONSeq} {
		t.Run(format.String(), func(t *testing.T) {
			buf := encodeTo(t, format, nil, emitAll(1, "two", map[string]int{"three": 3}))
			s := readStream(context.Background(), buf, format, nil)

			values := collect(t, s)
			require.NoError(t, s.Err())
			require.Len(t, values, 3)
			assert.JSONEq(t, `1`, string(values[0]))
			assert.JSONEq(t, `"two"`, string(values[1]))
			assert.JSONEq(t, `{"three":3}`, string(values[2]))
			assert.Nil(t, s.NextPage())
			assert.Nil(t, s.PrevPage())
		})
	}
}

func TestStreamJSONSeqFraming(t *testing.T) {
	buf := encodeTo(t, FormatJSONSeq, nil, emitAll(1))
	assert.Equal(t, "\x1e1\n", buf.String())
}

func TestStreamPaginationLinks(t *testing.T) {
	base, err := url.Parse("https://api.example.com/items?limit=2")
	require.NoError(t, err)

	for _, format := range []ResultFormat{FormatJSON, FormatJSONSeq} {
		t.Run(format.String(), func(t *testing.T) {
			buf := encodeTo(t, format, base, func(_ context.Context, emit func(any) error) (*Page, error) {
				if err := emit(map[string]int{"id": 3}); err != nil {
					return nil, err
				}
				return &Page{Prev: Cursor{"before": 3}, Next: Cursor{"after": 3}}, nil
			})
			s := readStream(context.Background(), buf, format, base)

			values := collect(t, s)
			require.NoError(t, s.Err())
			require.Len(t, values, 1)

			require.NotNil(t, s.NextPage())
			assert.Equal(t, Cursor{"after": int64(3), "limit": int64(2)}, DecodeCursor(s.NextPage()))
			require.NotNil(t, s.PrevPage())
			assert.Equal(t, Cursor{"before": int64(3), "limit": int64(2)}, DecodeCursor(s.PrevPage()))
		})
	}
}

func TestStreamProducerError(t *testing.T) {
	for _, format := range []ResultFormat{FormatJSON, FormatJSONSeq} {
		t.Run(format.String(), func(t *testing.T) {
			buf := encodeTo(t, format, nil, func(_ context.Context, emit func(any) error) (*Page, error) {
				_ = emit(1)
				_ = emit(2)
				return nil, &RequestError{Code: 9, Message: "producer failed"}
			})
			s := readStream(context.Background(), buf, format, nil)

			values := collect(t, s)
			assert.Len(t, values, 2)

			var reqErr *RequestError
			require.ErrorAs(t, s.Err(), &reqErr)
			assert.Equal(t, 9, reqErr.Code)
			assert.Equal(t, "producer failed", reqErr.Message)
		})
	}
}

func TestStreamProducerPanic(t *testing.T) {
	buf := encodeTo(t, FormatJSONSeq, nil, func(_ context.Context, emit func(any) error) (*Page, error) {
		_ = emit("first")
		panic("oops")
	})
	s := readStream(context.Background(), buf, FormatJSONSeq, nil)

	assert.Len(t, collect(t, s), 1)
	var reqErr *RequestError
	require.ErrorAs(t, s.Err(), &reqErr)
	assert.Contains(t, reqErr.Message, "panic: oops")
}

func TestStreamReservedKeys(t *testing.T) {
	var emitErr error
	encodeTo(t, FormatJSONSeq, nil, func(_ context.Context, emit func(any) error) (*Page, error) {
		emitErr = emit(map[string]string{"$next": "/elsewhere"})
		return nil, nil
	})
	assert.ErrorContains(t, emitErr, "reserved key")
}

func TestStreamSkipsMalformedRecords(t *testing.T) {
	t.Run("json-seq", func(t *testing.T) {
		in := "\x1e{\"a\":1}\n\x1e{bad\n\x1e\x1e{\"a\":2}\ngarbage\x1e{\"a\":3}"
		s := readStream(context.Background(), strings.NewReader(in), FormatJSONSeq, nil)

		values := collect(t, s)
		require.NoError(t, s.Err())
		require.Len(t, values, 3)
		assert.JSONEq(t, `{"a":1}`, string(values[0]))
		assert.JSONEq(t, `{"a":2}`, string(values[1]))
		assert.JSONEq(t, `{"a":3}`, string(values[2]))
	})
	t.Run("ndjson", func(t *testing.T) {
		in := "1\n{bad\n\n2\n"
		s := readStream(context.Background(), strings.NewReader(in), FormatJSON, nil)

		values := collect(t, s)
		require.NoError(t, s.Err())
		require.Len(t, values, 2)
		assert.JSONEq(t, `2`, string(values[1]))
	})
}

func TestStreamSeqRecordSpanningLines(t *testing.T) {
	in := "\x1e{\n\"a\": 1\n}\n\x1e2\n"
	s := readStream(context.Background(), strings.NewReader(in), FormatJSONSeq, nil)

	values := collect(t, s)
	require.Len(t, values, 2)
	assert.JSONEq(t, `{"a":1}`, string(values[0]))
}

func TestStreamTerminalShapedValues(t *testing.T) {
	base, err := url.Parse("https://api.example.com/items")
	require.NoError(t, err)

	in := "{\"next\":null}\n{\"prev\":\"a\"}\n\n3\n{\"error\":{\"code\":1,\"message\":\"x\"}}\n{\"prev\":null,\"next\":\"/items?after=3\"}\n"
	s := readStream(context.Background(), strings.NewReader(in), FormatJSON, base)

	values := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, values, 4)
	assert.JSONEq(t, `{"next":null}`, string(values[0]))
	assert.JSONEq(t, `{"prev":"a"}`, string(values[1]))
	assert.JSONEq(t, `3`, string(values[2]))
	assert.JSONEq(t, `{"error":{"code":1,"message":"x"}}`, string(values[3]))
	require.NotNil(t, s.NextPage())
	assert.Equal(t, "https://api.example.com/items?after=3", s.NextPage().String())
	assert.Nil(t, s.PrevPage())
}

func TestParseTerminal(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		seq      bool
		terminal bool
	}{
		{"ndjson links", `{"prev":null,"next":"/b"}`, false, true},
		{"ndjson error", `{"error":{"code":1,"message":"x"}}`, false, true},
		{"ndjson value with extra keys", `{"next":"/b","id":1}`, false, false},
		{"ndjson error without message", `{"error":"x"}`, false, false},
		{"ndjson non-string link", `{"next":5}`, false, false},
		{"ndjson empty object", `{}`, false, false},
		{"seq links", `{"$next":"/b"}`, true, true},
		{"seq plain keys", `{"next":"/b"}`, true, false},
		{"seq malformed error", `{"$error":true}`, true, true},
		{"array", `[1]`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTerminal(json.RawMessage(tt.value), tt.seq)
			assert.Equal(t, tt.terminal, got != nil)
		})
	}
}

func TestStreamCancelEndsWithoutError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newFrameQueue()
	s := newStream(ctx, q, nil, nil)

	q.push(record{value: json.RawMessage(`1`)})
	require.True(t, s.Next())

	cancel()
	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
}

func TestStreamAll(t *testing.T) {
	buf := encodeTo(t, FormatJSON, nil, func(_ context.Context, emit func(any) error) (*Page, error) {
		_ = emit(1)
		return nil, errors.New("late failure")
	})
	s := readStream(context.Background(), buf, FormatJSON, nil)

	var values []string
	var last error
	for v, err := range s.All() {
		if err != nil {
			last = err
			continue
		}
		values = append(values, string(v))
	}
	assert.Equal(t, []string{"1"}, values)
	assert.ErrorContains(t, last, "late failure")
}

func TestStreamDecodeAndDone(t *testing.T) {
	buf := encodeTo(t, FormatJSON, nil, emitAll(map[string]string{"name": "ann"}))
	s := readStream(context.Background(), buf, FormatJSON, nil)

	var doneErr error
	done := 0
	s.onDone = func(err error) {
		done++
		doneErr = err
	}

	require.True(t, s.Next())
	var v struct{ Name string }
	require.NoError(t, s.Decode(&v))
	assert.Equal(t, "ann", v.Name)

	assert.False(t, s.Next())
	assert.False(t, s.Next())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, done)
	assert.NoError(t, doneErr)
}

func TestWriteStreamHeaders(t *testing.T) {
	tests := []struct {
		format      ResultFormat
		contentType string
		marker      string
	}{
		{FormatJSON, ContentTypeNDJSON, ""},
		{FormatJSONSeq, ContentTypeOctet, ContentTypeJSONSeq},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/items", nil)
			require.NoError(t, WriteStream(rec, req, tt.format, emitAll(1)))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.marker, rec.Header().Get(MarkerHeader))
			assert.True(t, rec.Flushed)
		})
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	assert.Error(t, WriteStream(rec, req, FormatResponse, emitAll()))
}
