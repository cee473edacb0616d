//file: internal/mapper/render_test.go
package mapper

import "testing"

func TestRenderTopic(t *testing.T) {
	payload := map[string]any{
		"cell":    "a",
		"count":   float64(3),
		"ratio":   2.5,
		"ok":      true,
		"nothing": nil,
		"nested":  map[string]any{"site": "lyon"},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"No placeholders", "plant/line1/temp", "plant/line1/temp"},
		{"Payload field", "line1/{{cell}}/tempF", "line1/a/tempF"},
		{"Integer-valued float", "n/{{count}}", "n/3"},
		{"Float", "n/{{ratio}}", "n/2.5"},
		{"Bool", "b/{{ok}}", "b/true"},
		{"Null value", "x/{{nothing}}", "x/null"},
		{"Topic builtin", "echo/{{topic}}", "echo/plant/line1/temp"},
		{"Broker builtin", "via/{{brokerId}}", "via/b1"},
		{"Dotted path", "site/{{nested.site}}", "site/lyon"},
		{"Unresolved left intact", "x/{{missing}}/y", "x/{{missing}}/y"},
		{"Spaces inside braces", "line1/{{ cell }}/out", "line1/a/out"},
		{"Multiple placeholders", "{{brokerId}}/{{cell}}/{{count}}", "b1/a/3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderTopic(tt.template, payload, "plant/line1/temp", "b1")
			if got != tt.want {
				t.Errorf("renderTopic(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRenderTopicNonObjectPayload(t *testing.T) {
	// Scalar payloads still expose topic and brokerId
	got := renderTopic("from/{{topic}}/{{value}}", float64(42), "a/b", "b1")
	if got != "from/a/b/{{value}}" {
		t.Errorf("renderTopic() = %q, want from/a/b/{{value}}", got)
	}
}
