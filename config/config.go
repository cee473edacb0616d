//file: config/config.go

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/topics"
)

type Config struct {
	Brokers   []BrokerConfig  `json:"brokers" yaml:"brokers"`
	Sparkplug SparkplugConfig `json:"sparkplug" yaml:"sparkplug"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Mapper    MapperConfig    `json:"mapper" yaml:"mapper"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// BrokerConfig describes one upstream MQTT broker. The list is loaded at
// start and immutable for the life of the process.
type BrokerConfig struct {
	ID       string `json:"id" yaml:"id"`
	Protocol string `json:"protocol" yaml:"protocol"` // mqtt, mqtts, ws, wss
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	ClientID string `json:"clientId" yaml:"clientId"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// Subscribe lists the topic filters joined on connect. Publish is the
	// allow-list consulted before any outbound publish; empty means the
	// broker is read-only.
	Subscribe []string `json:"subscribe" yaml:"subscribe"`
	Publish   []string `json:"publish" yaml:"publish"`

	CertFile     string `json:"certFile" yaml:"certFile"`
	KeyFile      string `json:"keyFile" yaml:"keyFile"`
	CAFile       string `json:"caFile" yaml:"caFile"`
	ALPNProtocol string `json:"alpnProtocol" yaml:"alpnProtocol"`

	// RejectUnauthorized defaults to true. Setting it to false disables
	// server certificate verification; intended for test benches only.
	RejectUnauthorized *bool `json:"rejectUnauthorized" yaml:"rejectUnauthorized"`
}

// URL builds the paho broker URL for this config.
func (b *BrokerConfig) URL() string {
	scheme := b.Protocol
	switch scheme {
	case "mqtt":
		scheme = "tcp"
	case "mqtts":
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// UseTLS reports whether the broker endpoint requires a TLS config.
func (b *BrokerConfig) UseTLS() bool {
	return b.Protocol == "mqtts" || b.Protocol == "wss"
}

// InsecureSkipVerify reports whether server certificate verification is
// explicitly disabled.
func (b *BrokerConfig) InsecureSkipVerify() bool {
	return b.RejectUnauthorized != nil && !*b.RejectUnauthorized
}

type SparkplugConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type StoreConfig struct {
	Path               string `json:"path" yaml:"path"`
	MaxSizeMB          int    `json:"maxSizeMb" yaml:"maxSizeMb"`
	PruneChunkSize     int    `json:"pruneChunkSize" yaml:"pruneChunkSize"`
	CheckpointInterval string `json:"checkpointInterval" yaml:"checkpointInterval"` // Duration string
}

type QueueConfig struct {
	BatchSize       int `json:"batchSize" yaml:"batchSize"`
	BatchIntervalMS int `json:"batchIntervalMs" yaml:"batchIntervalMs"`
	SoftLimit       int `json:"softLimit" yaml:"softLimit"`
}

type MapperConfig struct {
	RulesFile string `json:"rulesFile" yaml:"rulesFile"`
	Workers   int    `json:"workers" yaml:"workers"`
}

type AlertsConfig struct {
	// LLMAPIKey enables the automated analysis handoff for rules that
	// carry a workflow prompt. Usually set via ${VAR} expansion.
	LLMAPIKey string `json:"llmApiKey" yaml:"llmApiKey"`
}

type BusConfig struct {
	NATS NATSConfig `json:"nats" yaml:"nats"`
}

// NATSConfig configures the optional bridge that republishes every bus
// envelope to a NATS subject.
type NATSConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	URLs          []string `json:"urls" yaml:"urls"`
	ClientID      string   `json:"clientId" yaml:"clientId"`
	Username      string   `json:"username" yaml:"username"`
	Password      string   `json:"password" yaml:"password"`
	SubjectPrefix string   `json:"subjectPrefix" yaml:"subjectPrefix"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`       // debug, info, warn, error
	Encoding    string `json:"encoding" yaml:"encoding"` // json or console
	Directory   string `json:"directory" yaml:"directory"`
	LogToFile   bool   `json:"logToFile" yaml:"logToFile"`
	LogToStdout bool   `json:"logToStdout" yaml:"logToStdout"`
	MaxSize     int    `json:"maxSize" yaml:"maxSize"` // megabytes
	MaxAge      int    `json:"maxAge" yaml:"maxAge"`   // days
	MaxBackups  int    `json:"maxBackups" yaml:"maxBackups"`
	Compress    bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references so credentials never have to
// live in the config file. Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads and parses the configuration file. YAML and JSON are both
// accepted, selected by file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = expandEnv(data)

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	for i := range config.Brokers {
		b := &config.Brokers[i]
		if b.Protocol == "" {
			b.Protocol = "mqtt"
		}
		if b.Port == 0 {
			if b.UseTLS() {
				b.Port = 8883
			} else {
				b.Port = 1883
			}
		}
	}

	if config.Store.Path == "" {
		config.Store.Path = "data/uns-hub.db"
	}
	if config.Store.MaxSizeMB <= 0 {
		config.Store.MaxSizeMB = 500
	}
	if config.Store.PruneChunkSize <= 0 {
		config.Store.PruneChunkSize = 5000
	}
	if config.Store.CheckpointInterval == "" {
		config.Store.CheckpointInterval = "15s"
	}

	if config.Queue.BatchSize <= 0 {
		config.Queue.BatchSize = 5000
	}
	if config.Queue.BatchIntervalMS <= 0 {
		config.Queue.BatchIntervalMS = 2000
	}
	if config.Queue.SoftLimit <= 0 {
		config.Queue.SoftLimit = 250000
	}

	if config.Mapper.RulesFile == "" {
		config.Mapper.RulesFile = "data/mappings.json"
	}
	if config.Mapper.Workers <= 0 {
		config.Mapper.Workers = runtime.NumCPU()
	}

	if config.Bus.NATS.SubjectPrefix == "" {
		config.Bus.NATS.SubjectPrefix = "uns.hub"
	}
	if config.Bus.NATS.ClientID == "" {
		config.Bus.NATS.ClientID = "uns-hub"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Encoding == "" {
		config.Logging.Encoding = "json"
	}
	if config.Logging.Directory == "" {
		config.Logging.Directory = "logs"
	}
	if config.Logging.MaxSize <= 0 {
		config.Logging.MaxSize = 100
	}
	if config.Logging.MaxAge <= 0 {
		config.Logging.MaxAge = 28
	}
	if config.Logging.MaxBackups <= 0 {
		config.Logging.MaxBackups = 3
	}

	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}

	seen := make(map[string]bool, len(cfg.Brokers))
	for i := range cfg.Brokers {
		b := &cfg.Brokers[i]
		if b.ID == "" {
			return fmt.Errorf("broker %d: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate broker id: %s", b.ID)
		}
		seen[b.ID] = true

		if b.Host == "" {
			return fmt.Errorf("broker %s: host is required", b.ID)
		}
		switch b.Protocol {
		case "mqtt", "mqtts", "ws", "wss":
		default:
			return fmt.Errorf("broker %s: invalid protocol: %s", b.ID, b.Protocol)
		}
		if b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("broker %s: invalid port: %d", b.ID, b.Port)
		}

		// Client certs come in pairs
		if (b.CertFile == "") != (b.KeyFile == "") {
			return fmt.Errorf("broker %s: certFile and keyFile must be set together", b.ID)
		}

		for _, filter := range b.Subscribe {
			if err := topics.ValidateFilter(filter); err != nil {
				return fmt.Errorf("broker %s: invalid subscribe filter %q: %w", b.ID, filter, err)
			}
		}
		for _, filter := range b.Publish {
			if err := topics.ValidateFilter(filter); err != nil {
				return fmt.Errorf("broker %s: invalid publish filter %q: %w", b.ID, filter, err)
			}
		}
	}

	if _, err := time.ParseDuration(cfg.Store.CheckpointInterval); err != nil {
		return fmt.Errorf("invalid store checkpoint interval: %w", err)
	}

	if cfg.Bus.NATS.Enabled && len(cfg.Bus.NATS.URLs) == 0 {
		return fmt.Errorf("nats bridge enabled but no server URLs provided")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(storePath, rulesFile string, workers int, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if storePath != "" {
		c.Store.Path = storePath
	}
	if rulesFile != "" {
		c.Mapper.RulesFile = rulesFile
	}
	if workers > 0 {
		c.Mapper.Workers = workers
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}
