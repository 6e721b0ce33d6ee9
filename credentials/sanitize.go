package credentials

import "strings"

// secretKeyMarkers are substrings that, found in a map key (case
// insensitive), mark the value as secret-shaped. Matched against the key
// rather than an exact set so nested payloads from different sources
// (access_token, refreshToken, api_key, client_secret, ...) are all caught
// without an adapter-specific allowlist.
var secretKeyMarkers = []string{
	"token", "secret", "password", "passwd", "api_key", "apikey", "credential", "authorization",
}

const redacted = "[REDACTED]"

// Sanitize returns a copy of fields with secret-shaped values replaced by a
// redaction marker, recursing into nested maps and slices of maps. It never
// mutates the input, so a caller can log the result directly against a
// payload it's about to write elsewhere unredacted.
func Sanitize(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSecretKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
