package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClampConfig bounds how large a single serialized entry may grow before
// its text is truncated.
type ClampConfig struct {
	MaxBytes int `yaml:"max_bytes"`
	MaxLines int `yaml:"max_lines"`
}

// RecoveryConfig governs the overflow-recovery rewrite of oversized tool results.
type RecoveryConfig struct {
	// ModelShare is the fraction of the model context window that a single
	// tool result may occupy before it is considered oversized.
	ModelShare float64 `yaml:"model_share"`
	// AbsoluteCeiling caps the oversize threshold in characters regardless
	// of how large the model window is.
	AbsoluteCeiling int `yaml:"absolute_ceiling"`
}

// CompactionConfig tunes when and how conversation history is summarized.
type CompactionConfig struct {
	// ThresholdRatio is the fraction of the context window at which
	// compaction triggers.
	ThresholdRatio float64 `yaml:"threshold_ratio"`
	// ReserveTokens are held back for the system prompt and response.
	ReserveTokens int `yaml:"reserve_tokens"`
	// Parts is the number of partial summaries in a multi-part split.
	Parts int `yaml:"parts"`
	// MinMessagesForSplit is the minimum history length before a
	// multi-part split is considered.
	MinMessagesForSplit int `yaml:"min_messages_for_split"`
}

// OtelConfig enables OpenTelemetry export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint; empty means stdout exporter
	Insecure bool   `yaml:"insecure"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// Provider and Model identify the LLM whose context window bounds
	// all budget arithmetic.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	Clamp      ClampConfig      `yaml:"clamp"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Compaction CompactionConfig `yaml:"compaction"`
	Otel       OtelConfig       `yaml:"otel"`

	// ContextLimitOverrides maps "provider/model" (or bare model) keys to
	// explicit context-window sizes, overriding the built-in table.
	ContextLimitOverrides map[string]int `yaml:"context_limit_overrides"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet-20241022",
		Clamp: ClampConfig{
			MaxBytes: 50_000,
			MaxLines: 2_000,
		},
		Recovery: RecoveryConfig{
			ModelShare:      0.3,
			AbsoluteCeiling: 400_000,
		},
		Compaction: CompactionConfig{
			ThresholdRatio:      0.8,
			ReserveTokens:       10_000,
			Parts:               2,
			MinMessagesForSplit: 4,
		},
	}
}

// HomeDir returns the ctxwin home directory, honoring CTXWIN_HOME.
func HomeDir() string {
	if override := os.Getenv("CTXWIN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxwin")
}

// Load reads config.yaml from the home directory, applying defaults and
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ctxwin home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "sessions.db")
	}
	if strings.TrimSpace(cfg.Provider) == "" {
		cfg.Provider = "anthropic"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.Clamp.MaxBytes <= 0 {
		cfg.Clamp.MaxBytes = 50_000
	}
	if cfg.Clamp.MaxLines <= 0 {
		cfg.Clamp.MaxLines = 2_000
	}
	if cfg.Recovery.ModelShare <= 0 || cfg.Recovery.ModelShare > 1 {
		cfg.Recovery.ModelShare = 0.3
	}
	if cfg.Recovery.AbsoluteCeiling <= 0 {
		cfg.Recovery.AbsoluteCeiling = 400_000
	}
	if cfg.Compaction.ThresholdRatio <= 0 || cfg.Compaction.ThresholdRatio > 1 {
		cfg.Compaction.ThresholdRatio = 0.8
	}
	if cfg.Compaction.ReserveTokens <= 0 {
		cfg.Compaction.ReserveTokens = 10_000
	}
	if cfg.Compaction.Parts <= 0 {
		cfg.Compaction.Parts = 2
	}
	if cfg.Compaction.MinMessagesForSplit <= 0 {
		cfg.Compaction.MinMessagesForSplit = 4
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CTXWIN_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CTXWIN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CTXWIN_PROVIDER"); raw != "" {
		cfg.Provider = raw
	}
	if raw := os.Getenv("CTXWIN_MODEL"); raw != "" {
		cfg.Model = raw
	}
	if raw := os.Getenv("CTXWIN_CLAMP_MAX_BYTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Clamp.MaxBytes = v
		}
	}
	if raw := os.Getenv("CTXWIN_RESERVE_TOKENS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Compaction.ReserveTokens = v
		}
	}
	if raw := os.Getenv("CTXWIN_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
		cfg.Otel.Enabled = true
	}
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|provider=%s|model=%s|clamp=%d:%d|reserve=%d",
		c.DBPath, c.LogLevel, c.Provider, c.Model,
		c.Clamp.MaxBytes, c.Clamp.MaxLines, c.Compaction.ReserveTokens)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
