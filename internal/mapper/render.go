//file: internal/mapper/render.go
package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// renderTopic substitutes {{key}} placeholders against the payload fields
// plus topic and brokerId. Keys may use dotted paths into nested objects.
// Placeholders that resolve to nothing are left intact.
func renderTopic(template string, payload any, topic, brokerID string) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	data := make(map[string]any)
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			data[k] = v
		}
	}
	data["topic"] = topic
	data["brokerId"] = brokerID

	result := template
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		placeholder := match[0]
		path := strings.Split(strings.TrimSpace(match[1]), ".")

		value, ok := lookupPath(data, path)
		if !ok {
			continue
		}
		result = strings.ReplaceAll(result, placeholder, valueToString(value))
	}
	return result
}

func lookupPath(data map[string]any, path []string) (any, bool) {
	var current any = data
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valueToString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	case map[string]any, []any:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(jsonBytes)
	default:
		return fmt.Sprintf("%v", v)
	}
}
