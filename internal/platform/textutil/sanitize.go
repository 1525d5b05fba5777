// Package textutil normalises free text that arrives from public clients.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var plainPolicy = bluemonday.StrictPolicy()

// SanitizePlain strips markup and control characters, collapses whitespace and truncates to limit
// runes (limit <= 0 disables truncation). It is applied to customer-supplied names, notes and
// titles before they are persisted or echoed into notifications.
func SanitizePlain(value string, limit int) string {
	if value == "" {
		return ""
	}
	stripped := html.UnescapeString(plainPolicy.Sanitize(value))
	stripped = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, stripped)
	out := strings.Join(strings.Fields(stripped), " ")
	if limit > 0 {
		if runes := []rune(out); len(runes) > limit {
			out = strings.TrimSpace(string(runes[:limit]))
		}
	}
	return out
}

// NormalizeStringMap trims keys and values, removing entries with empty keys.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
