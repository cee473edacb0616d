//file: internal/mapper/types.go
package mapper

import (
	"fmt"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/topics"
)

// RuleSet is the on-disk shape of the transformation config. Exactly one
// version is active at any time.
type RuleSet struct {
	Versions        []Version `json:"versions"`
	ActiveVersionID string    `json:"active_version_id"`
}

// Version is a named, immutable collection of rules.
type Version struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
	Rules     []Rule `json:"rules"`
}

// Rule maps a source topic pattern to one or more targets.
type Rule struct {
	SourceTopic string   `json:"source_topic"`
	Targets     []Target `json:"targets"`
}

// Target describes one derived output: where it goes and the script that
// produces it.
type Target struct {
	ID             string `json:"id"`
	Enabled        bool   `json:"enabled"`
	OutputTopic    string `json:"output_topic"`
	TargetBrokerID string `json:"target_broker_id,omitempty"`
	Code           string `json:"code"`
}

// Validate checks structural invariants before a rule set is applied or
// written to disk.
func (rs *RuleSet) Validate() error {
	if len(rs.Versions) == 0 {
		return fmt.Errorf("rule set has no versions")
	}
	if rs.ActiveVersionID == "" {
		return fmt.Errorf("active_version_id is empty")
	}

	seen := make(map[string]bool, len(rs.Versions))
	activeCount := 0
	for i := range rs.Versions {
		v := &rs.Versions[i]
		if v.ID == "" {
			return fmt.Errorf("version %d has no id", i)
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate version id %q", v.ID)
		}
		seen[v.ID] = true
		if v.ID == rs.ActiveVersionID {
			activeCount++
		}
		if err := v.validate(); err != nil {
			return fmt.Errorf("version %q: %w", v.ID, err)
		}
	}
	if activeCount != 1 {
		return fmt.Errorf("active version %q not found", rs.ActiveVersionID)
	}
	return nil
}

func (v *Version) validate() error {
	for i := range v.Rules {
		r := &v.Rules[i]
		if err := topics.ValidateFilter(r.SourceTopic); err != nil {
			return fmt.Errorf("rule %d: invalid source_topic %q: %w", i, r.SourceTopic, err)
		}
		targetIDs := make(map[string]bool, len(r.Targets))
		for j := range r.Targets {
			t := &r.Targets[j]
			if t.ID == "" {
				return fmt.Errorf("rule %d: target %d has no id", i, j)
			}
			if targetIDs[t.ID] {
				return fmt.Errorf("rule %d: duplicate target id %q", i, t.ID)
			}
			targetIDs[t.ID] = true
			if t.OutputTopic == "" {
				return fmt.Errorf("rule %d: target %q has no output_topic", i, t.ID)
			}
		}
	}
	return nil
}

// Active returns the active version. Validate must have accepted the set.
func (rs *RuleSet) Active() *Version {
	for i := range rs.Versions {
		if rs.Versions[i].ID == rs.ActiveVersionID {
			return &rs.Versions[i]
		}
	}
	return nil
}
