//file: internal/alerts/types.go
package alerts

import "fmt"

// Alert statuses. An alert leaves the dedupe window only when it reaches
// StatusResolved.
const (
	StatusNew          = "new"
	StatusAnalyzing    = "analyzing"
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

var validStatuses = map[string]bool{
	StatusNew:          true,
	StatusAnalyzing:    true,
	StatusOpen:         true,
	StatusAcknowledged: true,
	StatusResolved:     true,
}

// Rule severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

var validSeverities = map[string]bool{
	SeverityInfo:     true,
	SeverityWarning:  true,
	SeverityCritical: true,
}

// OwnerGlobal marks a rule visible to every user.
const OwnerGlobal = "global"

// Notifications holds the delivery channels of a rule.
type Notifications struct {
	Webhook string `json:"webhook,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Rule is a persisted alert rule. ConditionCode runs in the sandbox for
// every event whose topic matches TopicPattern.
type Rule struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	OwnerID        string        `json:"owner_id"`
	TopicPattern   string        `json:"topic_pattern"`
	ConditionCode  string        `json:"condition_code"`
	Severity       string        `json:"severity"`
	WorkflowPrompt string        `json:"workflow_prompt,omitempty"`
	Notifications  Notifications `json:"notifications"`
	Enabled        bool          `json:"enabled"`
	CreatedAt      string        `json:"created_at,omitempty"`
	UpdatedAt      string        `json:"updated_at,omitempty"`
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.TopicPattern == "" {
		return fmt.Errorf("topic_pattern is required")
	}
	if r.ConditionCode == "" {
		return fmt.Errorf("condition_code is required")
	}
	if r.Severity != "" && !validSeverities[r.Severity] {
		return fmt.Errorf("invalid severity %q", r.Severity)
	}
	return nil
}

// Alert is one row of the active-alerts table.
type Alert struct {
	ID             string `json:"id"`
	RuleID         string `json:"rule_id"`
	Topic          string `json:"topic"`
	BrokerID       string `json:"broker_id"`
	TriggerValue   string `json:"trigger_value"`
	Status         string `json:"status"`
	HandledBy      string `json:"handled_by,omitempty"`
	AnalysisResult string `json:"analysis_result,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}
