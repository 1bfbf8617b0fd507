// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// handoff engine.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation. Keyword sets and agent bindings carry a version
// tag and are hot-reloadable (see watcher.go); changes take effect for new
// classifications without redeploying the engine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/handoff/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete engine configuration.
type Config struct {
	// Version tags the keyword sets and agent bindings. Bump on every edit;
	// the classifier logs which version classified each message.
	Version string `toml:"version"`

	Server     ServerConfig     `toml:"server"`
	Classifier ClassifierConfig `toml:"classifier"`
	Agents     []AgentBinding   `toml:"agents"`
	Cache      CacheConfig      `toml:"cache"`
	Tools      ToolsConfig      `toml:"tools"`
	Governor   GovernorConfig   `toml:"governor"`
	Providers  []ProviderConfig `toml:"providers"`
	Storage    StorageConfig    `toml:"storage"`
}

// ServerConfig contains HTTP API configuration.
type ServerConfig struct {
	// Port is the listen port for the HTTP API.
	Port int `toml:"port"`
	// AuthEnabled requires a bearer token on all non-health endpoints.
	AuthEnabled bool `toml:"auth_enabled"`
	// BearerToken is the expected bearer token (or HANDOFF_BEARER_TOKEN).
	BearerToken string `toml:"bearer_token"`
}

// ClassifierConfig contains intent classification configuration.
type ClassifierConfig struct {
	// AIHandleable is the curated keyword set for topics the engine handles.
	AIHandleable []string `toml:"ai_handleable"`
	// HumanOnly is the curated keyword set that forces escalation.
	// Tie-break rule: if both sets match, human-only wins.
	HumanOnly []string `toml:"human_only"`
	// ConfidenceFloor is the minimum Tier 2 confidence; below it the message
	// routes to the general agent with a low-confidence marker.
	ConfidenceFloor float64 `toml:"confidence_floor"`
	// HistoryWindow is the bounded recent-history window given to Tier 2.
	HistoryWindow int `toml:"history_window"`
	// SentimentThreshold escalates when the sentiment score drops below it.
	// Range [-1, 0); 0 disables sentiment escalation.
	SentimentThreshold float64 `toml:"sentiment_threshold"`
}

// AgentBinding declares an agent: the intent it serves and the external
// tools it is permitted to call. Loaded at startup, hot-reloadable, never
// instantiated per message.
type AgentBinding struct {
	Intent  string   `toml:"intent"`
	Tools   []string `toml:"tools"`
	Enabled bool     `toml:"enabled"`
}

// CacheConfig contains response cache configuration.
type CacheConfig struct {
	// TTLSecs is the time-to-live for cache entries.
	TTLSecs int `toml:"ttl_secs"`
	// SemanticThreshold is the cosine-similarity floor for the semantic tier.
	// Tuning parameter: calibrate against a labeled conversation corpus.
	SemanticThreshold float64 `toml:"semantic_threshold"`
	// MinConfidence is the minimum response confidence for cacheability.
	MinConfidence float64 `toml:"min_confidence"`
	// MaxEntries bounds the cache size (0 = default).
	MaxEntries int `toml:"max_entries"`
}

// ToolsConfig contains external collaborator tool configuration.
type ToolsConfig struct {
	// TimeoutMs is the per-attempt tool call timeout.
	TimeoutMs int `toml:"timeout_ms"`
	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `toml:"max_retries"`
	// BackoffBaseMs is the exponential backoff base delay.
	BackoffBaseMs int `toml:"backoff_base_ms"`

	// Collaborator endpoints.
	PricingURL   string `toml:"pricing_url"`
	KnowledgeURL string `toml:"knowledge_url"`
	SchedulerURL string `toml:"scheduler_url"`
	OperatorURL  string `toml:"operator_url"`
}

// GovernorConfig contains spend and throughput governance configuration.
type GovernorConfig struct {
	// MaxConcurrentCalls caps outstanding provider calls engine-wide.
	MaxConcurrentCalls int `toml:"max_concurrent_calls"`
	// QueueTimeoutMs bounds how long a request may wait for a slot before
	// being rejected with a retry-after signal.
	QueueTimeoutMs int `toml:"queue_timeout_ms"`
	// ConversationRatePerMin caps provider calls per conversation (anti-abuse).
	ConversationRatePerMin int `toml:"conversation_rate_per_min"`
	// ConversationBurst is the per-conversation burst allowance.
	ConversationBurst int `toml:"conversation_burst"`
	// FlushIntervalSecs is the ledger reconcile cycle.
	FlushIntervalSecs int `toml:"flush_interval_secs"`
}

// ProviderConfig declares one language-model provider, in preference order.
type ProviderConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `toml:"api_key_env"`
	Model     string `toml:"model"`

	// Pricing per 1K tokens in cents.
	InputCostPer1K  float64 `toml:"input_cost_per_1k"`
	OutputCostPer1K float64 `toml:"output_cost_per_1k"`

	// Daily spend thresholds in cents. Soft alerts; hard reorders provider
	// preference for new conversations. 0 disables the threshold.
	SoftDailyCents float64 `toml:"soft_daily_cents"`
	HardDailyCents float64 `toml:"hard_daily_cents"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// DBPath is the SQLite database file path.
	DBPath string `toml:"db_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: "v1",
		Server: ServerConfig{
			Port: 8790,
		},
		Classifier: ClassifierConfig{
			AIHandleable: []string{
				"price", "pricing", "quote", "how much", "cost",
				"book", "booking", "reserve", "availability", "available", "date",
				"menu", "dish", "food", "catering", "buffet",
				"allergy", "allergen", "gluten", "vegan", "vegetarian", "dairy", "nut",
				"distance", "travel", "delivery", "far", "fee", "location",
			},
			HumanOnly: []string{
				"manager", "supervisor", "lawyer", "legal", "lawsuit",
				"complaint", "refund", "speak to a human", "real person",
				"talk to someone", "speak to someone", "human",
			},
			ConfidenceFloor:    0.55,
			HistoryWindow:      6,
			SentimentThreshold: -0.6,
		},
		Agents: []AgentBinding{
			{Intent: "pricing", Tools: []string{"pricing"}, Enabled: true},
			{Intent: "booking", Tools: []string{"scheduler"}, Enabled: true},
			{Intent: "menu", Tools: []string{"knowledge"}, Enabled: true},
			{Intent: "allergen", Tools: []string{"knowledge"}, Enabled: true},
			{Intent: "distance", Tools: []string{"pricing"}, Enabled: true},
			{Intent: "general", Tools: []string{"knowledge"}, Enabled: true},
		},
		Cache: CacheConfig{
			TTLSecs:           3600,
			SemanticThreshold: 0.95,
			MinConfidence:     0.75,
			MaxEntries:        10000,
		},
		Tools: ToolsConfig{
			TimeoutMs:     3000,
			MaxRetries:    2,
			BackoffBaseMs: 250,
		},
		Governor: GovernorConfig{
			MaxConcurrentCalls:     32,
			QueueTimeoutMs:         2000,
			ConversationRatePerMin: 20,
			ConversationBurst:      5,
			FlushIntervalSecs:      30,
		},
		Storage: StorageConfig{
			DBPath: "handoff.db",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// ErrNoConfig indicates no configuration file was found at the given path.
var ErrNoConfig = errors.New("config file not found")

// Load reads configuration from path, applies defaults for unset fields,
// environment overrides, and validates the result. A missing file yields
// the defaults (with env overrides) rather than an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Fall through to defaults.
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies HANDOFF_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HANDOFF_BEARER_TOKEN"); v != "" {
		c.Server.BearerToken = v
		c.Server.AuthEnabled = true
	}
	if v := os.Getenv("HANDOFF_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("HANDOFF_OPERATOR_URL"); v != "" {
		c.Tools.OperatorURL = v
	}
}

// WriteDefault writes the built-in defaults to path as a starting
// configuration. Refuses to overwrite an existing file; the write is atomic
// so a crash never leaves a half-written config behind.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return fmt.Errorf("config: failed to encode defaults: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o644)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New("config: version must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Classifier.ConfidenceFloor < 0 || c.Classifier.ConfidenceFloor > 1 {
		return fmt.Errorf("config: confidence_floor %.2f out of range [0,1]", c.Classifier.ConfidenceFloor)
	}
	if c.Cache.SemanticThreshold < 0 || c.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("config: semantic_threshold %.2f out of range [0,1]", c.Cache.SemanticThreshold)
	}
	if c.Classifier.SentimentThreshold > 0 || c.Classifier.SentimentThreshold < -1 {
		return fmt.Errorf("config: sentiment_threshold %.2f out of range [-1,0]", c.Classifier.SentimentThreshold)
	}
	if len(c.Classifier.HumanOnly) == 0 {
		return errors.New("config: human_only keyword set must not be empty")
	}
	if c.Tools.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if c.Governor.MaxConcurrentCalls <= 0 {
		return errors.New("config: max_concurrent_calls must be > 0")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, b := range c.Agents {
		intent := strings.TrimSpace(b.Intent)
		if intent == "" {
			return errors.New("config: agent binding missing intent")
		}
		if seen[intent] {
			return fmt.Errorf("config: duplicate agent binding for intent %q", intent)
		}
		seen[intent] = true
	}
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("config: provider missing name")
		}
		if p.HardDailyCents > 0 && p.SoftDailyCents > p.HardDailyCents {
			return fmt.Errorf("config: provider %s soft threshold exceeds hard threshold", p.Name)
		}
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// ToolTimeout returns the per-attempt tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutMs) * time.Millisecond
}

// ToolBackoffBase returns the tool retry backoff base as a duration.
func (c *Config) ToolBackoffBase() time.Duration {
	return time.Duration(c.Tools.BackoffBaseMs) * time.Millisecond
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSecs) * time.Second
}

// QueueTimeout returns the governor queue wait bound as a duration.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.Governor.QueueTimeoutMs) * time.Millisecond
}

// FlushInterval returns the ledger reconcile interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Governor.FlushIntervalSecs) * time.Second
}
