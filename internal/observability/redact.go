package observability

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

// Key substrings whose values never belong in a log line. Matching is
// case-insensitive and substring-based so header variants (x-api-key,
// X-Api-Key) and compound names (session_token) are all caught.
var sensitiveKeys = []string{
	"api_key", "apikey", "x-api-key", "authorization", "auth", "token", "password", "secret", "bearer", "credential",
}

// RedactJSON masks sensitive values in a JSON payload by key name. Tool
// inputs are logged through this before every dispatch; invalid JSON is
// returned untouched (the worker surfaces the parse error separately).
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(redactValue(v))
	if err != nil {
		return raw
	}
	return b
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, vv := range val {
			if isSensitiveKey(k) {
				val[k] = redactedMarker
			} else {
				val[k] = redactValue(vv)
			}
		}
		return val
	case []any:
		for i := range val {
			val[i] = redactValue(val[i])
		}
		return val
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	low := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(low, s) {
			return true
		}
	}
	return false
}

var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)\S+`)

// RedactString masks bearer-token shapes inside free text, for log sites
// that handle strings rather than structured JSON.
func RedactString(s string) string {
	return bearerPattern.ReplaceAllString(s, "${1}"+redactedMarker)
}

// RedactURL masks credential-bearing query parameters (the Google endpoint
// carries the API key as ?key=…) so a logged request URL is safe.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for k := range q {
		if isSensitiveKey(k) || strings.EqualFold(k, "key") {
			q.Set(k, redactedMarker)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
