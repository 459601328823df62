// Package config defines configuration loading for the automaton runtime.
//
// Values come from three layers, later layers winning: built-in defaults,
// the JSON file at $HOME/.automaton/automaton.json, and environment
// variables (optionally sourced from a .env file).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. JSON tags name the keys of the
// persisted file; env tags name the override variables.
type Config struct {
	ConwayAPIURL     string `json:"conwayApiUrl" env:"CONWAY_API_URL"`
	ConwayAPIKey     string `json:"conwayApiKey" env:"CONWAY_API_KEY"`
	OpenAIAPIKey     string `json:"openaiApiKey" env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `json:"openaiBaseUrl" env:"OPENAI_BASE_URL"`
	AnthropicAPIKey  string `json:"anthropicApiKey" env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `json:"anthropicBaseUrl" env:"ANTHROPIC_BASE_URL"`
	OllamaBaseURL    string `json:"ollamaBaseUrl" env:"OLLAMA_BASE_URL"`

	InferenceModel string `json:"inferenceModel" env:"INFERENCE_MODEL"`
	ModelStrategy  string `json:"modelStrategy" env:"MODEL_STRATEGY"`

	WalletAddress  string `json:"walletAddress" env:"WALLET_ADDRESS"`
	CreatorAddress string `json:"creatorAddress" env:"CREATOR_ADDRESS"`
	GenesisPrompt  string `json:"genesisPrompt" env:"GENESIS_PROMPT"`

	// Survival tier credit cutoffs; must satisfy High > Normal > Low > Critical > 0.
	TierHighCredits     int64 `json:"tierHighCredits" env:"TIER_HIGH_CREDITS"`
	TierNormalCredits   int64 `json:"tierNormalCredits" env:"TIER_NORMAL_CREDITS"`
	TierLowCredits      int64 `json:"tierLowCredits" env:"TIER_LOW_CREDITS"`
	TierCriticalCredits int64 `json:"tierCriticalCredits" env:"TIER_CRITICAL_CREDITS"`

	HeartbeatInterval time.Duration `json:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	DiscoveryRefresh  time.Duration `json:"discoveryRefresh" env:"DISCOVERY_REFRESH"`
	PruneInterval     time.Duration `json:"pruneInterval" env:"PRUNE_INTERVAL"`
	KeepDeadChildren  int           `json:"keepDeadChildren" env:"KEEP_DEAD_CHILDREN"`
	ChildFundAmount   int64         `json:"childFundAmount" env:"CHILD_FUND_AMOUNT"`

	AppEnv string `json:"-" env:"APP_ENV"`
}

// Default returns the built-in defaults applied before file and env layers.
func Default() Config {
	return Config{
		ConwayAPIURL:        "https://api.conway.tech",
		OpenAIBaseURL:       "https://api.openai.com",
		AnthropicBaseURL:    "https://api.anthropic.com",
		OllamaBaseURL:       "http://localhost:11434",
		ModelStrategy:       "tiered",
		TierHighCredits:     1000,
		TierNormalCredits:   200,
		TierLowCredits:      50,
		TierCriticalCredits: 10,
		HeartbeatInterval:   60 * time.Second,
		DiscoveryRefresh:    time.Hour,
		PruneInterval:       6 * time.Hour,
		KeepDeadChildren:    5,
		ChildFundAmount:     25,
		AppEnv:              "prod",
	}
}

// Dir returns the automaton home directory ($HOME/.automaton).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".automaton")
}

// DefaultPath returns the path of the persisted configuration file.
func DefaultPath() string { return filepath.Join(Dir(), "automaton.json") }

// DBPath returns the path of the embedded database file, kept next to the
// configuration.
func DBPath() string { return filepath.Join(Dir(), "automaton.db") }

// PIDPath returns the runtime PID file path.
func PIDPath() string { return filepath.Join(Dir(), "automaton.pid") }

// LogPath returns the plain log file path.
func LogPath() string { return filepath.Join(Dir(), "automaton.log") }

// Load reads configuration from the default file path with environment
// overrides applied on top.
func Load() (Config, error) { return LoadFrom(DefaultPath()) }

// LoadFrom reads configuration from the given file path. A missing file is
// not an error; defaults plus environment apply.
func LoadFrom(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("op=config.LoadFrom path=%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First run; file is written by --configure.
	default:
		return Config{}, fmt.Errorf("op=config.LoadFrom path=%s: %w", path, err)
	}

	// Environment variables override file values.
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.LoadFrom env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration file, creating the directory if needed.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("op=config.Save: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("op=config.Save: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("op=config.Save: %w", err)
	}
	return nil
}

// Validate checks structural invariants of the configuration.
func (c Config) Validate() error {
	if !(c.TierHighCredits > c.TierNormalCredits &&
		c.TierNormalCredits > c.TierLowCredits &&
		c.TierLowCredits > c.TierCriticalCredits &&
		c.TierCriticalCredits > 0) {
		return fmt.Errorf("op=config.Validate: tier thresholds must satisfy high > normal > low > critical > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("op=config.Validate: heartbeatInterval must be positive")
	}
	if c.KeepDeadChildren < 0 {
		return fmt.Errorf("op=config.Validate: keepDeadChildren must be >= 0")
	}
	return nil
}

// IsDev reports whether the runtime runs in development mode.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }
