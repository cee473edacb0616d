//file: internal/alerts/engine.go

// Package alerts evaluates live events against persisted alert rules.
// Predicates run sandboxed with a short timeout; triggered alerts are
// deduplicated per (rule, topic) until resolved, persisted, broadcast
// and optionally delivered to a webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sandbox"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

const (
	predicateTimeout = 1000 * time.Millisecond
	webhookTimeout   = 10 * time.Second
	maxTriggerValue  = 200
)

const createAlertRulesSQL = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT 'global',
	topic_pattern TEXT NOT NULL,
	condition_code TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'info',
	workflow_prompt TEXT NOT NULL DEFAULT '',
	webhook TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

const createActiveAlertsSQL = `
CREATE TABLE IF NOT EXISTS active_alerts (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	broker_id TEXT NOT NULL DEFAULT '',
	trigger_value TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'new',
	handled_by TEXT NOT NULL DEFAULT '',
	analysis_result TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// Options configure the engine.
type Options struct {
	Store     *store.Store
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Bus       *bus.Bus
	Runner    *sandbox.Runner
	LLMAPIKey string
}

type compiledRule struct {
	rule *Rule
	re   *regexp.Regexp
}

// Engine owns the alert tables and the evaluation path.
type Engine struct {
	store   *store.Store
	logger  *logger.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	runner  *sandbox.Runner
	llmKey  string
	client  *http.Client

	mu    sync.RWMutex
	rules []*compiledRule

	wg sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	e := &Engine{
		store:   opts.Store,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		runner:  opts.Runner,
		llmKey:  opts.LLMAPIKey,
		client:  &http.Client{Timeout: webhookTimeout},
	}

	ctx := context.Background()
	if err := e.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to create alert tables: %w", err)
	}
	if err := e.reloadRules(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) migrate(ctx context.Context) error {
	for _, stmt := range []string{
		createAlertRulesSQL,
		createActiveAlertsSQL,
		`CREATE INDEX IF NOT EXISTS idx_active_alerts_rule_topic ON active_alerts(rule_id, topic)`,
		`CREATE INDEX IF NOT EXISTS idx_active_alerts_status ON active_alerts(status)`,
	} {
		if _, err := e.store.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// compilePattern turns an MQTT-style pattern into an anchored regex:
// + matches one level, # matches anything.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\+`, `[^/]+`)
	quoted = strings.ReplaceAll(quoted, `#`, `.*`)
	return regexp.Compile(`^` + quoted + `$`)
}

// reloadRules rebuilds the in-memory cache of enabled rules.
func (e *Engine) reloadRules(ctx context.Context) error {
	rows, err := e.store.QueryAll(ctx, `SELECT * FROM alert_rules WHERE enabled = 1`)
	if err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}

	compiled := make([]*compiledRule, 0, len(rows))
	for _, row := range rows {
		r := rowToRule(row)
		re, err := compilePattern(r.TopicPattern)
		if err != nil {
			e.logger.Warn("skipping alert rule with bad topic pattern",
				"rule_id", r.ID,
				"pattern", r.TopicPattern,
				"error", err)
			continue
		}
		compiled = append(compiled, &compiledRule{rule: r, re: re})
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	e.logger.Debug("alert rules cached", "count", len(compiled))
	return nil
}

func rowToRule(row map[string]any) *Rule {
	return &Rule{
		ID:             asString(row["id"]),
		Name:           asString(row["name"]),
		OwnerID:        asString(row["owner_id"]),
		TopicPattern:   asString(row["topic_pattern"]),
		ConditionCode:  asString(row["condition_code"]),
		Severity:       asString(row["severity"]),
		WorkflowPrompt: asString(row["workflow_prompt"]),
		Notifications: Notifications{
			Webhook: asString(row["webhook"]),
			Email:   asString(row["email"]),
		},
		Enabled:   asInt(row["enabled"]) != 0,
		CreatedAt: asString(row["created_at"]),
		UpdatedAt: asString(row["updated_at"]),
	}
}

func rowToAlert(row map[string]any) *Alert {
	return &Alert{
		ID:             asString(row["id"]),
		RuleID:         asString(row["rule_id"]),
		Topic:          asString(row["topic"]),
		BrokerID:       asString(row["broker_id"]),
		TriggerValue:   asString(row["trigger_value"]),
		Status:         asString(row["status"]),
		HandledBy:      asString(row["handled_by"]),
		AnalysisResult: asString(row["analysis_result"]),
		CreatedAt:      asString(row["created_at"]),
		UpdatedAt:      asString(row["updated_at"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int64 {
	n, _ := v.(int64)
	return n
}

// SaveRule inserts or updates a rule and refreshes the cache.
func (e *Engine) SaveRule(ctx context.Context, r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	if _, err := compilePattern(r.TopicPattern); err != nil {
		return fmt.Errorf("invalid topic_pattern %q: %w", r.TopicPattern, err)
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OwnerID == "" {
		r.OwnerID = OwnerGlobal
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
	}
	now := store.FormatTimestamp(time.Now().UTC())
	if r.CreatedAt == "" {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := e.store.Exec(ctx, `
		INSERT INTO alert_rules
			(id, name, owner_id, topic_pattern, condition_code, severity,
			 workflow_prompt, webhook, email, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			topic_pattern = excluded.topic_pattern,
			condition_code = excluded.condition_code,
			severity = excluded.severity,
			workflow_prompt = excluded.workflow_prompt,
			webhook = excluded.webhook,
			email = excluded.email,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.OwnerID, r.TopicPattern, r.ConditionCode, r.Severity,
		r.WorkflowPrompt, r.Notifications.Webhook, r.Notifications.Email,
		enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save alert rule: %w", err)
	}

	e.logger.Info("alert rule saved", "rule_id", r.ID, "name", r.Name, "enabled", r.Enabled)
	return e.reloadRules(ctx)
}

// DeleteRule removes a rule. Existing alerts raised by it are kept.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	res, err := e.store.Exec(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert rule %q not found", id)
	}

	e.logger.Info("alert rule deleted", "rule_id", id)
	return e.reloadRules(ctx)
}

// ListRules returns every persisted rule, enabled or not.
func (e *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := e.store.QueryAll(ctx, `SELECT * FROM alert_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	rules := make([]*Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, rowToRule(row))
	}
	return rules, nil
}

// Evaluate schedules alert evaluation for one event. It returns
// immediately; the predicates run on a background task.
func (e *Engine) Evaluate(ev *event.Event) {
	matches := e.matchingRules(ev.Topic)
	if len(matches) == 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, cr := range matches {
			e.evaluateRule(cr, ev)
		}
	}()
}

func (e *Engine) matchingRules(topic string) []*compiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matches []*compiledRule
	for _, cr := range e.rules {
		if cr.re.MatchString(topic) {
			matches = append(matches, cr)
		}
	}
	return matches
}

func (e *Engine) evaluateRule(cr *compiledRule, ev *event.Event) {
	msgJSON, err := json.Marshal(map[string]any{
		"topic":    ev.Topic,
		"brokerId": ev.BrokerID,
		"payload":  ev.Decoded,
	})
	if err != nil {
		e.logger.Warn("failed to build alert predicate input",
			"rule_id", cr.rule.ID, "error", err)
		return
	}

	result, err := e.runner.Execute(context.Background(), cr.rule.ConditionCode, string(msgJSON), predicateTimeout)
	if err != nil {
		e.logger.Warn("alert predicate failed",
			"rule_id", cr.rule.ID,
			"rule_name", cr.rule.Name,
			"topic", ev.Topic,
			"error", err)
		return
	}
	if !sandbox.IsTruthy(result) {
		return
	}

	e.trigger(cr.rule, ev)
}

// trigger persists a new alert unless an unresolved one already exists
// for the same rule and topic.
func (e *Engine) trigger(r *Rule, ev *event.Event) {
	ctx := context.Background()

	existing, err := e.store.QueryOne(ctx, `
		SELECT id FROM active_alerts
		WHERE rule_id = ? AND topic = ? AND status != ?
		LIMIT 1`, r.ID, ev.Topic, StatusResolved)
	if err != nil {
		e.logger.Error("alert dedupe lookup failed", "rule_id", r.ID, "error", err)
		return
	}
	if existing != nil {
		e.logger.Debug("alert suppressed, unresolved alert exists",
			"rule_id", r.ID, "topic", ev.Topic)
		return
	}

	now := store.FormatTimestamp(time.Now().UTC())
	alert := &Alert{
		ID:           uuid.NewString(),
		RuleID:       r.ID,
		Topic:        ev.Topic,
		BrokerID:     ev.BrokerID,
		TriggerValue: truncate(ev.PayloadText, maxTriggerValue),
		Status:       StatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := e.store.Exec(ctx, `
		INSERT INTO active_alerts
			(id, rule_id, topic, broker_id, trigger_value, status,
			 handled_by, analysis_result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		alert.ID, alert.RuleID, alert.Topic, alert.BrokerID,
		alert.TriggerValue, alert.Status, alert.CreatedAt, alert.UpdatedAt); err != nil {
		e.logger.Error("failed to persist alert", "rule_id", r.ID, "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.IncAlertsTriggered()
	}
	e.logger.Info("alert triggered",
		"rule_id", r.ID,
		"rule_name", r.Name,
		"severity", r.Severity,
		"topic", ev.Topic)

	e.bus.Publish(bus.TypeAlertTriggered, map[string]any{
		"alert":     alert,
		"rule_name": r.Name,
		"severity":  r.Severity,
	})

	if r.Notifications.Webhook != "" {
		e.postWebhook(r, alert)
	}
	if r.WorkflowPrompt != "" && e.llmKey != "" {
		if err := e.setStatus(ctx, alert.ID, StatusAnalyzing, "System (AI)"); err != nil {
			e.logger.Warn("failed to mark alert analyzing", "alert_id", alert.ID, "error", err)
		}
	}
}

// postWebhook delivers a summary. Failures are logged and never affect
// the alert row.
func (e *Engine) postWebhook(r *Rule, alert *Alert) {
	body, err := json.Marshal(map[string]any{
		"alert_id":      alert.ID,
		"rule_id":       r.ID,
		"rule_name":     r.Name,
		"severity":      r.Severity,
		"topic":         alert.Topic,
		"broker_id":     alert.BrokerID,
		"trigger_value": alert.TriggerValue,
		"status":        alert.Status,
		"created_at":    alert.CreatedAt,
	})
	if err != nil {
		e.logger.Warn("failed to build webhook payload", "alert_id", alert.ID, "error", err)
		return
	}

	resp, err := e.client.Post(r.Notifications.Webhook, "application/json", bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("alert webhook failed",
			"alert_id", alert.ID,
			"url", r.Notifications.Webhook,
			"error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("alert webhook rejected",
			"alert_id", alert.ID,
			"url", r.Notifications.Webhook,
			"status", resp.StatusCode)
		return
	}
	e.logger.Debug("alert webhook delivered", "alert_id", alert.ID)
}

// UpdateAlertStatus transitions an alert and stamps who handled it.
func (e *Engine) UpdateAlertStatus(ctx context.Context, id, status, handler string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid alert status %q", status)
	}
	return e.setStatus(ctx, id, status, handler)
}

func (e *Engine) setStatus(ctx context.Context, id, status, handler string) error {
	res, err := e.store.Exec(ctx, `
		UPDATE active_alerts SET status = ?, handled_by = ?, updated_at = ?
		WHERE id = ?`,
		status, handler, store.FormatTimestamp(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %q not found", id)
	}
	return nil
}

// ListActiveAlerts returns unresolved alerts, newest first.
func (e *Engine) ListActiveAlerts(ctx context.Context) ([]*Alert, error) {
	rows, err := e.store.QueryAll(ctx, `
		SELECT * FROM active_alerts
		WHERE status != ?
		ORDER BY created_at DESC`, StatusResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := make([]*Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToAlert(row))
	}
	return out, nil
}

// PurgeResolved deletes resolved alerts and compacts the store.
func (e *Engine) PurgeResolved(ctx context.Context) (int64, error) {
	res, err := e.store.Exec(ctx, `DELETE FROM active_alerts WHERE status = ?`, StatusResolved)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	deleted, _ := res.RowsAffected()
	e.store.Compact(ctx)

	e.logger.Info("resolved alerts purged", "rows_deleted", deleted)
	return deleted, nil
}

// Close waits for in-flight evaluations.
func (e *Engine) Close() {
	e.wg.Wait()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
