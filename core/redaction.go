package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap masks values whose key names a credential. Nested maps
// and slices are walked.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

var sensitiveKeyParts = []string{
	"secret",
	"token",
	"aes_key",
	"aeskey",
	"signature",
	"echostr",
	"encrypt",
	"authorization",
	"password",
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "secret_kind",
		"idempotency_key",
		"open_kfid",
		"msg_id",
		"external_userid",
		"process_code",
		"request_id":
		return true
	default:
		return false
	}
}
