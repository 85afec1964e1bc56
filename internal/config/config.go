// Package config loads and persists hermit configuration from
// .hermit/config.json in the project directory. This is the single source
// of truth for provider selection, the context window tunables, and the
// embedding engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"hermit/internal/types"
)

// Provider is one local OpenAI-compatible inference endpoint.
type Provider struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// ContextWindowConfig holds the context engine tunables. The trigger ratio
// and keep-fresh window are product-tunable, not engineering constants, so
// they live here rather than in code.
type ContextWindowConfig struct {
	// ContextBudget is the model's usable context window in tokens.
	ContextBudget int `json:"context_budget,omitempty"`

	// CharsPerToken calibrates the token estimator (default 4.0).
	CharsPerToken float64 `json:"chars_per_token,omitempty"`

	// HighWatermarkRatio triggers compaction when live tokens exceed
	// ratio * ContextBudget (default 0.8).
	HighWatermarkRatio float64 `json:"high_watermark_ratio,omitempty"`

	// KeepFreshTurns is the number of most recent turns kept verbatim
	// through compaction (default 2, the last user/assistant exchange).
	KeepFreshTurns int `json:"keep_fresh_turns,omitempty"`

	// CompactionTargetRatio is the summary size target as a fraction of
	// the folded range (default 0.2).
	CompactionTargetRatio float64 `json:"compaction_target_ratio,omitempty"`

	// TopK is the number of fragments requested per retrieval query.
	TopK int `json:"top_k,omitempty"`
}

// EmbeddingConfig selects the embedding engine.
type EmbeddingConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Config is the full .hermit/config.json contents.
type Config struct {
	ActiveProvider string     `json:"active_provider"`
	ActiveModel    string     `json:"active_model"`
	Providers      []Provider `json:"providers"`

	ContextWindow *ContextWindowConfig `json:"context_window,omitempty"`
	Embedding     *EmbeddingConfig     `json:"embedding,omitempty"`
}

// Default returns the stock configuration with the known local providers.
func Default() *Config {
	return &Config{
		Providers: []Provider{
			{Name: "ollama", BaseURL: "http://localhost:11434/"},
			{Name: "lm-studio", BaseURL: "http://localhost:1234/"},
			{Name: "koboldcpp", BaseURL: "http://localhost:5001/"},
			{Name: "jan", BaseURL: "http://localhost:1337/"},
			{Name: "gpt4all", BaseURL: "http://localhost:4891/"},
		},
		ContextWindow: &ContextWindowConfig{
			ContextBudget:         8192,
			CharsPerToken:         4.0,
			HighWatermarkRatio:    0.8,
			KeepFreshTurns:        2,
			CompactionTargetRatio: 0.2,
			TopK:                  4,
		},
		Embedding: &EmbeddingConfig{
			Endpoint: "http://localhost:11434",
			Model:    "embeddinggemma",
		},
	}
}

// Dir returns the .hermit directory for a project.
func Dir(projectPath string) string {
	return filepath.Join(projectPath, ".hermit")
}

// Path returns the config file path for a project.
func Path(projectPath string) string {
	return filepath.Join(Dir(projectPath), "config.json")
}

// SessionsDir returns where session logs live for a project.
func SessionsDir(projectPath string) string {
	return filepath.Join(Dir(projectPath), "sessions")
}

// Load reads the project config. A missing file returns Default() so a
// fresh project works before `hermit invoke` has run; any other read or
// parse failure is surfaced.
func Load(projectPath string) (*Config, error) {
	data, err := os.ReadFile(Path(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", Path(projectPath), err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config, creating .hermit/ if needed.
func (c *Config) Save(projectPath string) error {
	if err := os.MkdirAll(Dir(projectPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(projectPath), append(data, '\n'), 0o644)
}

// ActiveBaseURL resolves the active provider's base URL.
func (c *Config) ActiveBaseURL() (string, error) {
	for _, p := range c.Providers {
		if p.Name == c.ActiveProvider {
			return p.BaseURL, nil
		}
	}
	return "", fmt.Errorf("active provider %q not found; run 'hermit invoke'", c.ActiveProvider)
}

// Profile builds the model profile from the context window settings.
func (c *Config) Profile() types.ModelProfile {
	cw := c.ContextWindow
	return types.ModelProfile{
		Name:          c.ActiveModel,
		ContextBudget: cw.ContextBudget,
		CharsPerToken: cw.CharsPerToken,
	}
}

// applyDefaults fills zero-valued tunables after a partial config load.
func (c *Config) applyDefaults() {
	def := Default()
	if c.ContextWindow == nil {
		c.ContextWindow = def.ContextWindow
		return
	}
	cw, d := c.ContextWindow, def.ContextWindow
	if cw.ContextBudget <= 0 {
		cw.ContextBudget = d.ContextBudget
	}
	if cw.CharsPerToken <= 0 {
		cw.CharsPerToken = d.CharsPerToken
	}
	if cw.HighWatermarkRatio <= 0 || cw.HighWatermarkRatio > 1 {
		cw.HighWatermarkRatio = d.HighWatermarkRatio
	}
	if cw.KeepFreshTurns < 0 {
		cw.KeepFreshTurns = d.KeepFreshTurns
	}
	if cw.CompactionTargetRatio <= 0 || cw.CompactionTargetRatio >= 1 {
		cw.CompactionTargetRatio = d.CompactionTargetRatio
	}
	if cw.TopK <= 0 {
		cw.TopK = d.TopK
	}
	if c.Embedding == nil {
		c.Embedding = def.Embedding
	}
}
