// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/url"

	"go.uber.org/zap"
)

const (
	recordSeparator = 0x1E
	maxRecordSize   = 64 * 1024 * 1024 // 64MB, same bound as socket frames
)

// Stream is a lazy, single-pass sequence of results. Next advances it; once
// Next returns false, Err reports why and NextPage/PrevPage expose the
// pagination links of the terminal record. Cancelling the call's context
// ends the stream without error.
type Stream struct {
	ctx   context.Context
	src   recordSource
	base  *url.URL
	codec Codec

	cur        json.RawMessage
	prev, next *url.URL
	err        error
	done       bool
	onDone     func(error)
}

type record struct {
	value    json.RawMessage
	terminal *terminal
}

type terminal struct {
	prev, next string
	err        *RequestError
}

// recordSource yields records until io.EOF.
type recordSource interface {
	read(ctx context.Context) (record, error)
	close() error
}

func newStream(ctx context.Context, src recordSource, base *url.URL, codec Codec) *Stream {
	if codec == nil {
		codec = defaultCodec
	}
	return &Stream{ctx: ctx, src: src, base: base, codec: codec}
}

// Next advances to the next value.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	rec, err := s.src.read(s.ctx)
	switch {
	case err != nil:
		if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
			s.err = err
		}
		s.finish()
		return false
	case rec.terminal != nil:
		s.settle(rec.terminal)
		s.finish()
		return false
	}
	s.cur = rec.value
	return true
}

func (s *Stream) settle(t *terminal) {
	if t.err != nil {
		s.err = t.err
		return
	}
	if s.base == nil {
		return
	}
	var err error
	if s.prev, err = ResolveLink(s.base, t.prev); err != nil {
		s.err = err
		return
	}
	if s.next, err = ResolveLink(s.base, t.next); err != nil {
		s.err = err
	}
}

func (s *Stream) finish() {
	s.done = true
	s.cur = nil
	s.src.close()
	if s.onDone != nil {
		s.onDone(s.err)
		s.onDone = nil
	}
}

// Value returns the current raw value.
func (s *Stream) Value() json.RawMessage { return s.cur }

// Decode decodes the current value into v.
func (s *Stream) Decode(v any) error {
	return s.codec.Decode(s.cur, v)
}

// Err returns the error that ended the stream, if any. An error record sent
// by the peer surfaces here as a *RequestError.
func (s *Stream) Err() error { return s.err }

// NextPage returns the link to the following page, or nil.
func (s *Stream) NextPage() *url.URL { return s.next }

// PrevPage returns the link to the preceding page, or nil.
func (s *Stream) PrevPage() *url.URL { return s.prev }

// Close releases the stream before it is exhausted.
func (s *Stream) Close() error {
	if !s.done {
		s.finish()
	}
	return nil
}

// All ranges over the remaining values. A terminal error is yielded last.
func (s *Stream) All() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Value(), nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

// byteSource decodes a streaming HTTP body.
type byteSource struct {
	sc       *bufio.Scanner
	body     io.Closer
	seq      bool
	log      *zap.Logger
	finished bool
	held     json.RawMessage
}

func newByteSource(body io.ReadCloser, format ResultFormat, log *zap.Logger) *byteSource {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	seq := format == FormatJSONSeq
	if seq {
		sc.Split(splitJSONSeq)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &byteSource{sc: sc, body: body, seq: seq, log: log}
}

// An NDJSON record shaped like a terminal only ends the stream when nothing
// follows it; otherwise it is an ordinary value.
func (b *byteSource) read(ctx context.Context) (record, error) {
	value, err := b.scan()
	if err != nil {
		return record{}, err
	}
	t := parseTerminal(value, b.seq)
	if t == nil {
		return record{value: value}, nil
	}
	if !b.seq {
		next, err := b.scan()
		switch {
		case err == nil:
			b.log.Debug("terminal-shaped record followed by more data, reading it as a value")
			b.held = next
			return record{value: value}, nil
		case !errors.Is(err, io.EOF):
			return record{}, err
		}
	}
	b.finished = true
	return record{terminal: t}, nil
}

// scan returns the next well-formed record, or io.EOF.
func (b *byteSource) scan() (json.RawMessage, error) {
	if b.held != nil {
		value := b.held
		b.held = nil
		return value, nil
	}
	for !b.finished {
		if !b.sc.Scan() {
			b.finished = true
			if err := b.sc.Err(); err != nil {
				return nil, err
			}
			break
		}
		data := bytes.TrimSpace(b.sc.Bytes())
		if len(data) == 0 {
			continue
		}
		if !json.Valid(data) {
			b.log.Debug("skipping malformed stream record", zap.Int("size", len(data)), zap.Bool("jsonSeq", b.seq))
			continue
		}
		return append(json.RawMessage(nil), data...), nil
	}
	return nil, io.EOF
}

// close does not drain: an abandoned stream may never end.
func (b *byteSource) close() error {
	return b.body.Close()
}

// splitJSONSeq splits RFC 7464 input. A record starts at 0x1E and ends at
// the first line feed that completes a valid JSON text, at the next 0x1E,
// or at EOF. Bytes outside records are discarded.
func splitJSONSeq(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.IndexByte(data, recordSeparator)
	if start < 0 {
		return len(data), nil, nil
	}
	body := data[start+1:]
	end := bytes.IndexByte(body, recordSeparator)
	limit := len(body)
	if end >= 0 {
		limit = end
	}
	for i := 0; i < limit; i++ {
		if body[i] == '\n' && json.Valid(body[:i]) {
			return start + 1 + i + 1, body[:i], nil
		}
	}
	if end >= 0 {
		return start + 1 + end, body[:end], nil
	}
	if atEOF {
		return len(data), body, nil
	}
	return start, nil, nil
}

var (
	seqTerminalKeys    = map[string]bool{"$prev": true, "$next": true, "$error": true}
	ndjsonTerminalKeys = map[string]bool{"prev": true, "next": true, "error": true}
)

// parseTerminal reports the terminal record carried by value, if it is one.
// JSON text sequences mark terminals with reserved $-keys; NDJSON terminals
// are objects made only of prev/next (or error) fields, and the reader also
// requires them to be last.
func parseTerminal(value json.RawMessage, seq bool) *terminal {
	if len(value) == 0 || value[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil || len(fields) == 0 {
		return nil
	}

	prefix := ""
	keys := ndjsonTerminalKeys
	if seq {
		prefix = "$"
		keys = seqTerminalKeys
		found := false
		for k := range fields {
			if keys[k] {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	} else {
		for k := range fields {
			if !keys[k] {
				return nil
			}
		}
	}

	t := &terminal{}
	if raw, ok := fields[prefix+"error"]; ok {
		var we wireError
		if err := json.Unmarshal(raw, &we); err != nil || we.Message == "" {
			if seq {
				we.Message = "malformed stream error record"
			} else {
				return nil
			}
		}
		t.err = we.toRequestError(0)
		return t
	}
	var ok bool
	if t.prev, ok = linkField(fields, prefix+"prev"); !ok {
		return nil
	}
	if t.next, ok = linkField(fields, prefix+"next"); !ok {
		return nil
	}
	return t
}

func linkField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, present := fields[key]
	if !present || string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
