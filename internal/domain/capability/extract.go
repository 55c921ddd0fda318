package capability

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Tolerant extraction helpers for raw catalog payloads. Providers disagree on
// numeric encodings, so every accessor coerces instead of asserting.

func extractStringSlice(value any) []string {
	list := []string{}
	switch arr := value.(type) {
	case []any:
		for _, item := range arr {
			if str, ok := item.(string); ok {
				list = append(list, strings.TrimSpace(str))
			}
		}
	case []string:
		for _, item := range arr {
			list = append(list, strings.TrimSpace(item))
		}
	}
	return list
}

func extractStringSliceFromMap(raw map[string]any, path ...string) []string {
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return extractStringSlice(current)
}

func intFromAny(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false
		}
		if parsed, err := decimal.NewFromString(v); err == nil {
			return int(parsed.IntPart()), true
		}
	}
	return 0, false
}

func intFromMap(raw map[string]any, path ...string) (int, bool) {
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return 0, false
		}
		current = m[key]
	}
	return intFromAny(current)
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if strings.EqualFold(item, target) {
			return true
		}
	}
	return false
}
