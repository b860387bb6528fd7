package recording

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/getmockd/replayd/internal/canonical"
)

// ErrInvalidFixture is returned when a fixture document cannot be decoded.
var ErrInvalidFixture = errors.New("invalid fixture document")

// Headers maps a header name to a string, or to a list of strings when the
// header was sent more than once.
type Headers map[string]any

// Values returns every value stored for name. Lookup is case-insensitive.
func (h Headers) Values(name string) []string {
	for k, v := range h {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch val := v.(type) {
		case string:
			return []string{val}
		case []string:
			return val
		case []any:
			out := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

// Get returns the first value stored for name, or "".
func (h Headers) Get(name string) string {
	if vals := h.Values(name); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// ApplyTo copies the headers into dst, replacing existing values.
func (h Headers) ApplyTo(dst http.Header) {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		dst.Del(k)
		for _, v := range h.Values(k) {
			dst.Add(k, v)
		}
	}
}

// Request is the logical identity of an HTTP request at the moment it is
// fingerprinted.
type Request struct {
	URL     string  `json:"url"`
	Method  string  `json:"method"`
	Body    string  `json:"body"`
	Headers Headers `json:"headers"`
}

// EncodingBase64 marks a body stored as a base64 JSON string because the
// upstream bytes were not valid UTF-8.
const EncodingBase64 = "base64"

// Response is an upstream or replayed response.
type Response struct {
	Status   int             `json:"status"`
	Headers  Headers         `json:"headers,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	IsText   bool            `json:"isText,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
}

// Payload returns the bytes to send to a client. Text bodies are unquoted,
// base64 bodies decoded and JSON bodies sent as stored.
func (r Response) Payload() []byte {
	if len(r.Body) == 0 {
		return nil
	}
	if r.IsText || r.Encoding == EncodingBase64 {
		var s string
		if err := json.Unmarshal(r.Body, &s); err == nil {
			if r.Encoding != EncodingBase64 {
				return []byte(s)
			}
			if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
				return raw
			}
		}
	}
	return r.Body
}

// Exchange is one observed request/response pair.
type Exchange struct {
	Request  Request  `json:"req"`
	Response Response `json:"res"`
}

// Canonical returns the key-order independent encoding used to compare
// exchanges for equality.
func (e Exchange) Canonical() (string, error) {
	return canonical.MarshalString(e)
}

// Equal reports whether two exchanges have the same canonical encoding.
func (e Exchange) Equal(other Exchange) bool {
	a, err := e.Canonical()
	if err != nil {
		return false
	}
	b, err := other.Canonical()
	if err != nil {
		return false
	}
	return a == b
}
