package masking

import "strings"

const maskToken = "****"

var sensitiveKeys = map[string]struct{}{
	"account_number": {},
	"account_name":   {},
	"gcash_number":   {},
	"mobile_number":  {},
	"phone":          {},
	"email":          {},
	"iban":           {},
	"routing_number": {},
	"ip_address":     {},
	"device":         {},
}

// MaskSecret redacts a value while keeping the last four characters.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskJSON returns a copy of the input with every string value masked.
func MaskJSON(input map[string]any) map[string]any {
	return walk(input, func(string) bool { return true })
}

// MaskSensitive masks only string values under known payout and contact keys.
func MaskSensitive(input map[string]any) map[string]any {
	return walk(input, func(key string) bool {
		_, ok := sensitiveKeys[strings.ToLower(key)]
		return ok
	})
}

func walk(input map[string]any, shouldMask func(string) bool) map[string]any {
	if len(input) == 0 {
		return nil
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		out[trimmedKey] = maskValue(value, shouldMask(trimmedKey), shouldMask)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func maskValue(value any, mask bool, shouldMask func(string) bool) any {
	switch cast := value.(type) {
	case string:
		if mask {
			return MaskSecret(cast)
		}
		return cast
	case map[string]any:
		if mask {
			return MaskJSON(cast)
		}
		return walk(cast, shouldMask)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item, mask, shouldMask))
		}
		return out
	default:
		return value
	}
}
