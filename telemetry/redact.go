package telemetry

import "strings"

// Redacted replaces secret values before recording.
const Redacted = "[REDACTED]"

// secretFragments flags keys whose values must never be recorded. Matching
// is case-insensitive substring so provider-specific spellings
// (client_secret, clientSecret, confirmation_token) are all caught.
var secretFragments = []string{
	"secret",
	"token",
	"password",
	"authorization",
	"api_key",
	"apikey",
	"payload",
	"card_number",
	"cardnumber",
	"pan",
	"cvv",
	"cvc",
	"email",
	"phone",
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range secretFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// RedactRefs returns a copy of refs with secret-bearing keys masked.
func RedactRefs(refs map[string]string) map[string]string {
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]string, len(refs))
	for k, v := range refs {
		if isSecretKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// RedactMeta returns a copy of meta with secret-bearing keys masked.
// Nested maps are redacted recursively.
func RedactMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isSecretKey(k) {
			out[k] = Redacted
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = RedactMeta(nested)
		case map[string]string:
			out[k] = RedactRefs(nested)
		default:
			out[k] = v
		}
	}
	return out
}
