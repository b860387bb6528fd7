// Package canonical produces a stable JSON encoding used for hashing,
// deduplication and distance scoring.
//
// Two values that differ only in the order of their object keys encode to the
// same bytes.
package canonical

import (
	"encoding/json"
	"strings"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
)

var sorted = ojg.Options{Sort: true}

// Marshal encodes v as compact JSON with object keys sorted at every depth.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Normalize(raw)
}

// MarshalString is Marshal returning a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Normalize re-encodes a JSON document with sorted keys and no insignificant
// whitespace.
func Normalize(data []byte) ([]byte, error) {
	parsed, err := oj.Parse(data)
	if err != nil {
		return nil, err
	}
	return []byte(oj.JSON(parsed, &sorted)), nil
}

// Body canonicalizes a serialized request body. JSON bodies are normalized,
// anything else is returned unchanged.
func Body(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return body
	}
	out, err := Normalize([]byte(trimmed))
	if err != nil {
		return body
	}
	return string(out)
}

// IsObject reports whether a canonical encoding is a JSON object.
func IsObject(data []byte) bool {
	return len(data) > 0 && data[0] == '{'
}
