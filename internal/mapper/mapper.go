//file: internal/mapper/mapper.go

// Package mapper turns incoming events into derived publishes. Rules live
// in a versioned JSON file; the active version is compiled into an
// immutable index that the hot path reads through an atomic pointer, so
// a half-applied config is never observable.
package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sandbox"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sparkplug"
)

const defaultScriptTimeout = 2 * time.Second

// Publisher sends a derived message out through a broker connection.
type Publisher interface {
	Publish(brokerID, topic string, payload []byte, qos byte, retain bool) error
}

// PublisherFunc adapts a plain function to the Publisher interface.
type PublisherFunc func(brokerID, topic string, payload []byte, qos byte, retain bool) error

func (f PublisherFunc) Publish(brokerID, topic string, payload []byte, qos byte, retain bool) error {
	return f(brokerID, topic, payload, qos, retain)
}

// Options configure the engine.
type Options struct {
	RulesFile     string
	Workers       int
	ScriptTimeout time.Duration
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
	Bus           *bus.Bus
	Runner        *sandbox.Runner
	Codec         *sparkplug.Codec // nil disables Sparkplug re-encoding
	Publisher     Publisher
}

type state struct {
	rules *RuleSet
	index *snapshot
}

// Engine matches events against the active version and executes targets.
type Engine struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	runner  *sandbox.Runner
	codec   *sparkplug.Codec
	pub     Publisher

	rulesFile string
	timeout   time.Duration
	sem       chan struct{}

	state  atomic.Pointer[state]
	saveMu sync.Mutex
	wg     sync.WaitGroup

	book *metricsBook
}

func New(opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = defaultScriptTimeout
	}

	e := &Engine{
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		bus:       opts.Bus,
		runner:    opts.Runner,
		codec:     opts.Codec,
		pub:       opts.Publisher,
		rulesFile: opts.RulesFile,
		timeout:   opts.ScriptTimeout,
		sem:       make(chan struct{}, opts.Workers),
		book:      newMetricsBook(opts.Bus),
	}

	rs, err := loadRuleSet(e.rulesFile)
	if errors.Is(err, os.ErrNotExist) {
		rs = defaultRuleSet()
		if err := writeRuleSet(e.rulesFile, rs); err != nil {
			return nil, fmt.Errorf("failed to write initial rules file: %w", err)
		}
		e.logger.Info("created default transform rules file", "path", e.rulesFile)
	} else if err != nil {
		return nil, err
	}

	e.apply(rs)
	e.logger.Info("transform rules loaded",
		"path", e.rulesFile,
		"active_version", rs.ActiveVersionID,
		"rules", len(rs.Active().Rules))
	return e, nil
}

func defaultRuleSet() *RuleSet {
	return &RuleSet{
		Versions: []Version{{
			ID:        "v1",
			Name:      "Default",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Rules:     []Rule{},
		}},
		ActiveVersionID: "v1",
	}
}

func loadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &rs, nil
}

// writeRuleSet writes via a temp file in the same directory and renames
// it over the destination, so readers never see a torn file.
func writeRuleSet(path string, rs *RuleSet) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create rules directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".mappings-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp rules file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp rules file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace rules file: %w", err)
	}
	return nil
}

func (e *Engine) apply(rs *RuleSet) {
	e.state.Store(&state{rules: rs, index: newSnapshot(rs.Active())})
}

// Rules returns the current rule set.
func (e *Engine) Rules() *RuleSet {
	return e.state.Load().rules
}

// ActiveVersionID returns the id of the version events are matched
// against.
func (e *Engine) ActiveVersionID() string {
	return e.state.Load().rules.ActiveVersionID
}

// Metrics returns a copy of the per-target transform metrics.
func (e *Engine) Metrics() map[string]map[string]*TargetMetrics {
	return e.book.snapshot()
}

// SaveMappings validates and persists a new rule set, swaps it in
// atomically and broadcasts the change.
func (e *Engine) SaveMappings(rs *RuleSet) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if err := rs.Validate(); err != nil {
		return fmt.Errorf("invalid rule set: %w", err)
	}
	if err := writeRuleSet(e.rulesFile, rs); err != nil {
		return err
	}

	e.apply(rs)
	e.bus.Publish(bus.TypeMapperConfigUpdate, map[string]any{"config": rs})
	e.logger.Info("transform rules saved",
		"active_version", rs.ActiveVersionID,
		"versions", len(rs.Versions))
	return nil
}

// Reload re-reads the rules file from disk. On failure the running
// config is left untouched.
func (e *Engine) Reload() error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	rs, err := loadRuleSet(e.rulesFile)
	if err != nil {
		e.logger.Error("transform rules reload failed, keeping current config", "error", err)
		return err
	}

	e.apply(rs)
	e.bus.Publish(bus.TypeMapperConfigUpdate, map[string]any{"config": rs})
	e.logger.Info("transform rules reloaded",
		"active_version", rs.ActiveVersionID,
		"rules", len(rs.Active().Rules))
	return nil
}

// RequiresStore reports whether any enabled target matching the topic
// queries the store. The ingest path uses it to defer those events
// until after their batch commits.
func (e *Engine) RequiresStore(topic string) bool {
	return e.state.Load().index.requiresStore(topic)
}

// ProcessEvent schedules transformation of one event. It returns
// immediately; rules run in order on a background task, targets of one
// rule concurrently.
func (e *Engine) ProcessEvent(ev *event.Event) {
	matches := e.state.Load().index.match(ev.Topic)
	if len(matches) == 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, cr := range matches {
			e.runRule(ev, cr)
		}
	}()
}

func (e *Engine) runRule(ev *event.Event, cr *compiledRule) {
	var wg sync.WaitGroup
	for i := range cr.targets {
		tgt := cr.targets[i].target
		if !tgt.Enabled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			e.runTarget(ev, cr.rule, tgt)
		}()
	}
	wg.Wait()
}

func (e *Engine) runTarget(ev *event.Event, r *Rule, tgt *Target) {
	msgJSON, err := json.Marshal(map[string]any{
		"topic":    ev.Topic,
		"brokerId": ev.BrokerID,
		"payload":  ev.Decoded,
	})
	if err != nil {
		e.fail(ev, r, tgt, fmt.Sprintf("failed to build script input: %v", err))
		return
	}

	result, err := e.runner.Execute(context.Background(), tgt.Code, string(msgJSON), e.timeout)
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			e.fail(ev, r, tgt, fmt.Sprintf("script timeout after %s", e.timeout))
		} else {
			e.fail(ev, r, tgt, err.Error())
		}
		return
	}
	if result == nil {
		e.book.record(r.SourceTopic, tgt.ID, "debug", "script returned null, publish skipped")
		e.countTransform("skipped")
		return
	}

	// Scripts return the whole msg; the payload field is what gets
	// published.
	payload := result
	if m, ok := result.(map[string]any); ok {
		if p, exists := m["payload"]; exists {
			payload = p
		}
	}

	outTopic := renderTopic(tgt.OutputTopic, ev.Decoded, ev.Topic, ev.BrokerID)
	targetBroker := tgt.TargetBrokerID
	if targetBroker == "" {
		targetBroker = ev.BrokerID
	}

	var outBytes []byte
	if ev.SparkplugOrigin && strings.HasPrefix(outTopic, sparkplug.TopicPrefix) && e.codec != nil {
		outBytes, err = e.codec.Encode(payload)
		if err != nil {
			e.fail(ev, r, tgt, fmt.Sprintf("sparkplug encode failed: %v", err))
			return
		}
	} else {
		outBytes, err = json.Marshal(payload)
		if err != nil {
			e.fail(ev, r, tgt, fmt.Sprintf("failed to encode result: %v", err))
			return
		}
	}

	if err := e.pub.Publish(targetBroker, outTopic, outBytes, 0, false); err != nil {
		e.fail(ev, r, tgt, fmt.Sprintf("publish to %s failed: %v", outTopic, err))
		return
	}

	e.book.record(r.SourceTopic, tgt.ID, "success",
		fmt.Sprintf("published to %s on broker %s", outTopic, targetBroker))
	e.countTransform("success")
	e.bus.Publish(bus.TypeMappedTopicGenerated, map[string]any{
		"topic":        outTopic,
		"broker_id":    targetBroker,
		"source_topic": ev.Topic,
	})
	e.logger.Debug("transform published",
		"source_topic", ev.Topic,
		"target", tgt.ID,
		"output_topic", outTopic,
		"broker_id", targetBroker)
}

func (e *Engine) fail(ev *event.Event, r *Rule, tgt *Target, message string) {
	e.book.record(r.SourceTopic, tgt.ID, "error", message)
	e.countTransform("error")
	e.logger.Warn("transform target failed",
		"source_topic", ev.Topic,
		"target", tgt.ID,
		"error", message)
}

func (e *Engine) countTransform(result string) {
	if e.metrics != nil {
		e.metrics.IncTransformTotal(result)
	}
}

// Close waits for in-flight events and flushes pending metric
// broadcasts.
func (e *Engine) Close() {
	e.wg.Wait()
	e.book.close()
}
