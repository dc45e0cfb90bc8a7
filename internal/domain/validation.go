package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

var gameKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// DefaultMaxDataKeyLength bounds data keys when no limit is configured
const DefaultMaxDataKeyLength = 255

// ValidateGameKey checks the catalog key format
func ValidateGameKey(gameKey string) error {
	if gameKey == "" {
		return NewValidationError("gameKey", "is required")
	}
	if !gameKeyPattern.MatchString(gameKey) {
		return NewValidationError("gameKey", "must be lowercase letters, digits, '-' or '_' (max 64)")
	}
	return nil
}

// ValidateDataKey checks an application-chosen data key
func ValidateDataKey(dataKey string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxDataKeyLength
	}
	if dataKey == "" {
		return NewValidationError("dataKey", "is required")
	}
	if len(dataKey) > maxLen {
		return NewValidationError("dataKey", fmt.Sprintf("must be at most %d bytes", maxLen))
	}
	if !utf8.ValidString(dataKey) {
		return NewValidationError("dataKey", "must be valid UTF-8")
	}
	for _, r := range dataKey {
		if unicode.IsControl(r) {
			return NewValidationError("dataKey", "must not contain control characters")
		}
	}
	return nil
}

// ValidateDataValue checks that a value is a JSON document within the size limit.
// Any JSON kind is accepted.
func ValidateDataValue(raw json.RawMessage, maxBytes int64) error {
	if err := ValidateJSON("dataValue", raw); err != nil {
		return err
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return NewValidationError("dataValue", fmt.Sprintf("must be at most %d bytes", maxBytes))
	}
	return nil
}
