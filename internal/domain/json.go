package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// JSONKind is the top-level shape of a stored JSON value
type JSONKind string

const (
	JSONNull    JSONKind = "null"
	JSONBool    JSONKind = "bool"
	JSONNumber  JSONKind = "number"
	JSONString  JSONKind = "string"
	JSONArray   JSONKind = "array"
	JSONObject  JSONKind = "object"
	JSONInvalid JSONKind = "invalid"
)

// KindOf classifies raw JSON by its first significant byte. It does not
// validate the remainder of the document.
func KindOf(raw json.RawMessage) JSONKind {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return JSONInvalid
	}
	switch c := trimmed[0]; {
	case c == '{':
		return JSONObject
	case c == '[':
		return JSONArray
	case c == '"':
		return JSONString
	case c == 't' || c == 'f':
		return JSONBool
	case c == 'n':
		return JSONNull
	case c == '-' || (c >= '0' && c <= '9'):
		return JSONNumber
	default:
		return JSONInvalid
	}
}

// ValidateJSON rejects missing or malformed JSON documents
func ValidateJSON(field string, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return NewValidationError(field, "is required")
	}
	if !json.Valid(raw) {
		return NewValidationError(field, "must be valid JSON")
	}
	return nil
}

// MergeUnder lays defaults underneath overrides. When both are objects the
// top-level keys of overrides win; any other override replaces defaults
// wholesale. The result is always a fresh slice.
func MergeUnder(defaults, overrides json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(overrides)) == 0 {
		if len(bytes.TrimSpace(defaults)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return append(json.RawMessage(nil), defaults...), nil
	}
	if KindOf(defaults) != JSONObject || KindOf(overrides) != JSONObject {
		return append(json.RawMessage(nil), overrides...), nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(defaults, &base); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(overrides, &top); err != nil {
		return nil, fmt.Errorf("decoding overrides: %w", err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(top))
	}
	for k, v := range top {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encoding merged settings: %w", err)
	}
	return merged, nil
}

// EqualJSON reports whether two documents encode the same value, ignoring
// formatting and object key order
func EqualJSON(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
