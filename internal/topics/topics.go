//file: internal/topics/topics.go

package topics

import (
	"fmt"
	"strings"
)

// Match reports whether an MQTT topic filter matches a concrete topic
// name. Filters follow the usual wildcard rules: "+" matches exactly one
// level, "#" matches any number of trailing levels (including zero, so
// "plant/#" matches "plant" itself).
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	fsegs := strings.Split(filter, "/")
	tsegs := strings.Split(topic, "/")

	for i, fseg := range fsegs {
		if fseg == "#" {
			// Only valid as the final segment; anything after it
			// would have failed filter validation upstream.
			return i == len(fsegs)-1
		}
		if i >= len(tsegs) {
			return false
		}
		if fseg == "+" {
			continue
		}
		if fseg != tsegs[i] {
			return false
		}
	}

	return len(fsegs) == len(tsegs)
}

// Allowed reports whether a topic matches at least one filter in the
// list. An empty or nil list denies everything.
func Allowed(filters []string, topic string) bool {
	for _, f := range filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// ValidateFilter validates a subscription topic filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("topic contains NUL byte")
	}

	segments := strings.Split(filter, "/")
	for i, segment := range segments {
		// Allow empty segments for leading/trailing slashes
		if segment == "" && i != 0 && i != len(segments)-1 {
			return fmt.Errorf("empty segment not allowed in middle of topic")
		}

		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "+") {
			if segment != "+" {
				return fmt.Errorf("+ wildcard must occupy entire segment")
			}
		}
	}

	return nil
}

// ValidateName validates a concrete topic name (publish or inbound).
func ValidateName(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("topic contains NUL byte")
	}

	if strings.Contains(topic, "+") || strings.Contains(topic, "#") {
		return fmt.Errorf("wildcards not allowed in topic names")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if segment == "" && i != 0 && i != len(segments)-1 {
			return fmt.Errorf("empty segment not allowed in middle of topic")
		}
	}

	return nil
}

// NamespacePrefix returns the first two levels of a topic, used as the
// per-namespace rate limiting key. Topics with fewer than two levels
// are returned whole.
func NamespacePrefix(topic string) string {
	first := strings.IndexByte(topic, '/')
	if first < 0 {
		return topic
	}
	second := strings.IndexByte(topic[first+1:], '/')
	if second < 0 {
		return topic
	}
	return topic[:first+1+second]
}
