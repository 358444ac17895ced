// Package config loads the service configuration from a YAML file with
// environment-variable overrides for deploy-time secrets (API keys, Redis
// address, database path).
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	AI         AIConfig         `yaml:"ai"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// DispatcherConfig carries the credential-pool, rate-budget and fan-out
// knobs shared by the dispatcher and the grading engine.
type DispatcherConfig struct {
	// StorageType selects the pool/limiter variants: "memory" or "redis".
	StorageType string `yaml:"storage_type"`

	MaxConcurrent int `yaml:"max_concurrent"`
	RetryCount    int `yaml:"retry_count"`

	// Redis list names for the shared-remote pool variant.
	KeyPoolName       string `yaml:"key_pool_name"`
	FailedKeyPoolName string `yaml:"failed_key_pool_name"`

	KeyCooldownSeconds      int `yaml:"key_cooldown_seconds"`
	RateLimitWindowSeconds  int `yaml:"rate_limit_window_seconds"`
	RateLimitMaxRequests    int `yaml:"rate_limit_max_requests"`
	KeyBorrowTimeoutSeconds int `yaml:"key_borrow_timeout_seconds"`
	MaxCharactersPerBatch   int `yaml:"max_characters_per_batch"`
}

type AIConfig struct {
	// Provider selects the upstream protocol: "openai" or "anthropic".
	Provider string `yaml:"provider"`

	// APIKeys seeds the credential pool on startup (comma-separated via
	// TEACHER_API_KEYS, or a list here).
	APIKeys []string `yaml:"api_keys"`

	MaxImageSize          int  `yaml:"max_image_size"`
	RequestTimeoutSeconds int  `yaml:"request_timeout_seconds"`
	MultiAgentEnabled     bool `yaml:"multi_agent_enabled"`

	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

type OpenAIConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type AnthropicConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration with every knob at its documented
// default. Load applies the YAML file and environment on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "dev",
		},
		Dispatcher: DispatcherConfig{
			StorageType:             "memory",
			MaxConcurrent:           15,
			RetryCount:              3,
			KeyPoolName:             "ai:key:pool",
			FailedKeyPoolName:       "ai:key:failed",
			KeyCooldownSeconds:      60,
			RateLimitWindowSeconds:  60,
			RateLimitMaxRequests:    50,
			KeyBorrowTimeoutSeconds: 120,
			MaxCharactersPerBatch:   30,
		},
		AI: AIConfig{
			Provider:              "openai",
			MaxImageSize:          512,
			RequestTimeoutSeconds: 30,
			MultiAgentEnabled:     false,
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o",
				MaxTokens:   4096,
				Temperature: 0.3,
			},
			Anthropic: AnthropicConfig{
				BaseURL:     "https://api.anthropic.com/v1",
				Model:       "claude-3-5-sonnet-20241022",
				MaxTokens:   4096,
				Temperature: 0.3,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: DatabaseConfig{
			Path: "teacher.db",
		},
	}
}

// Load reads the YAML config at path (a missing file is fine — defaults
// apply) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps deployment environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("TEACHER_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("TEACHER_API_KEYS"); v != "" {
		keys := make([]string, 0)
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		c.AI.APIKeys = keys
	}
	if v := os.Getenv("TEACHER_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("TEACHER_STORAGE_TYPE"); v != "" {
		c.Dispatcher.StorageType = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("TEACHER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.AI.OpenAI.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.AI.Anthropic.BaseURL = v
	}
}
