package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the application configuration
type Config struct {
	API        APIConfig        `json:"api"`
	Generation GenerationConfig `json:"generation"`
	Usage      UsageConfig      `json:"usage"`
}

// APIConfig holds configuration for the vision backend
type APIConfig struct {
	// Provider is "anthropic" or "ollama".
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	// OllamaURL is the local server address when Provider is "ollama".
	OllamaURL string `json:"ollama_url,omitempty"`
}

// GenerationConfig holds configuration for alt text generation
type GenerationConfig struct {
	DefaultContext    string `json:"default_context,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent"`
	MaxRetries        int    `json:"max_retries"`
}

// UsageConfig holds configuration for usage tracking
type UsageConfig struct {
	// StatsPath is where cost statistics are stored. Empty disables tracking.
	StatsPath string `json:"stats_path,omitempty"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		API: APIConfig{
			Provider: "anthropic",
		},
		Generation: GenerationConfig{
			RequestsPerMinute: 50,
			MaxConcurrent:     5,
			MaxRetries:        3,
		},
		Usage: UsageConfig{
			StatsPath: defaultStatsPath(),
		},
	}
}

// LoadFromFile loads configuration from a JSON file. The ANTHROPIC_API_KEY
// environment variable overrides a key stored in the file.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyEnv()

	return config, nil
}

// Load returns the configuration at the default path, falling back to
// defaults when no file exists.
func Load() *Config {
	cfg, err := LoadFromFile(GetConfigPath())
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.API.APIKey = key
	}
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.API.Provider {
	case "anthropic", "ollama":
	default:
		return fmt.Errorf("api.provider must be \"anthropic\" or \"ollama\"")
	}

	if c.API.Provider == "anthropic" && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required for the anthropic provider")
	}

	if c.Generation.RequestsPerMinute < 1 {
		return fmt.Errorf("generation.requests_per_minute must be positive")
	}

	if c.Generation.MaxConcurrent < 1 {
		return fmt.Errorf("generation.max_concurrent must be positive")
	}

	if c.Generation.MaxRetries < 1 {
		return fmt.Errorf("generation.max_retries must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "imagebatch", "config.json")
}

func defaultStatsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./usage.json"
	}
	return filepath.Join(home, ".config", "imagebatch", "usage.json")
}
