// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Cursor is an opaque pagination position. Values are primitives: string,
// bool, integers, floats or nil. A nil Cursor means there is no such page.
type Cursor map[string]any

// CreateLink returns base with cursor written into its query. Parameters
// named by the cursor are replaced; all others are kept. A nil cursor
// yields the empty string.
func CreateLink(base *url.URL, cursor Cursor) string {
	if cursor == nil {
		return ""
	}
	u := *base
	q := u.Query()
	for k, v := range cursor {
		q.Set(k, encodeQueryValue(v))
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// ResolveLink resolves a link found in a stream's terminal record against
// the URL of the request that produced it.
func ResolveLink(base *url.URL, link string) (*url.URL, error) {
	if link == "" {
		return nil, nil
	}
	ref, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("resolve pagination link %q: %w", link, err)
	}
	return base.ResolveReference(ref), nil
}

// DecodeCursor reads every query parameter of u back into a Cursor.
// Integers come back as int64 and other numbers as float64.
func DecodeCursor(u *url.URL) Cursor {
	if u == nil {
		return nil
	}
	c := Cursor{}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			c[k] = decodeQueryValue(vs[len(vs)-1])
		}
	}
	return c
}

// encodeQueryValue writes strings verbatim unless they would read back as
// another primitive, in which case they are JSON-quoted. Non-primitive
// values are JSON-encoded.
func encodeQueryValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		if looksLikeLiteral(x) {
			b, _ := json.Marshal(x)
			return string(b)
		}
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case json.Number:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// formatFloat keeps a decimal point or exponent so the value decodes back
// as a float rather than an integer.
func formatFloat(f float64, bits int) string {
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func looksLikeLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '"' {
		return true
	}
	_, isString := decodeQueryValue(s).(string)
	return !isString
}

func decodeQueryValue(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	case "":
		return s
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err == nil {
			return str
		}
		return s
	}
	if isIntLiteral(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	if isFloatLiteral(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

func isIntLiteral(s string) bool {
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isFloatLiteral accepts JSON number syntax only, so strings such as
// "Inf", "0x10" or "1_000" stay strings.
func isFloatLiteral(s string) bool {
	return json.Valid([]byte(s)) && (s[0] == '-' || (s[0] >= '0' && s[0] <= '9'))
}
