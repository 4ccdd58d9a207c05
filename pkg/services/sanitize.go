package services

import "strings"

// RedactedValue replaces sensitive metadata values at insert time.
const RedactedValue = "[REDACTED]"

// sensitiveKeyFragments is the closed set of case-insensitive substrings
// that mark a metadata key as sensitive.
var sensitiveKeyFragments = []string{
	"hashed_password",
	"api_key_hash",
	"password",
	"api_key",
	"token",
	"secret",
}

// SanitizeMetadata returns a copy of the metadata map with the value of
// every sensitive key — at any nesting depth — replaced by "[REDACTED]".
// The walk is pure and recursive; lists are descended as well.
func SanitizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if sensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return SanitizeMetadata(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
