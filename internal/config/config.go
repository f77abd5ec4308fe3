package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/cache"
	"github.com/mysticmarks/llm-runner-router/internal/providers/anthropic"
	"github.com/mysticmarks/llm-runner-router/internal/providers/generic"
	"github.com/mysticmarks/llm-runner-router/internal/providers/groq"
	"github.com/mysticmarks/llm-runner-router/internal/providers/ollama"
	"github.com/mysticmarks/llm-runner-router/internal/providers/openai"
	"github.com/mysticmarks/llm-runner-router/internal/providers/openrouter"
	"github.com/mysticmarks/llm-runner-router/internal/ratelimit"
	"github.com/mysticmarks/llm-runner-router/internal/routing"
	"github.com/mysticmarks/llm-runner-router/internal/server"
)

// Config is the complete, closed application configuration. Unknown keys in
// the YAML file are a boot-time error.
type Config struct {
	Server    server.Config   `yaml:"server"`
	Router    RouterConfig    `yaml:"router"`
	Cache     CacheConfig     `yaml:"cache"`
	Audit     audit.Config    `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Limits    map[string]ratelimit.Limits `yaml:"limits"`
}

// RouterConfig holds routing engine configuration.
type RouterConfig struct {
	DefaultStrategy string        `yaml:"default_strategy"`
	MaxConcurrency  int64         `yaml:"max_concurrency"`
	MaxQueue        int64         `yaml:"max_queue"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ModelsFile      string        `yaml:"models_file"`
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	MaxBytes   int64         `yaml:"max_bytes"`
	TTL        time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// ProvidersConfig enables and tunes the backend adapters. A nil entry
// disables that adapter.
type ProvidersConfig struct {
	OpenAI     *openai.Config     `yaml:"openai"`
	Anthropic  *anthropic.Config  `yaml:"anthropic"`
	OpenRouter *openrouter.Config `yaml:"openrouter"`
	Groq       *groq.Config       `yaml:"groq"`
	Ollama     *ollama.Config     `yaml:"ollama"`
	Generic    []generic.Config   `yaml:"generic"`
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment overrides, then validation.
func Load(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = server.Config{
		Port:        "8080",
		ReadTimeout: 30 * time.Second,
	}
	c.Router = RouterConfig{
		DefaultStrategy: routing.StrategyBalanced,
		MaxConcurrency:  32,
		MaxQueue:        256,
		RequestTimeout:  120 * time.Second,
	}
	c.Cache = CacheConfig{
		MaxBytes: 256 << 20,
		TTL:      time.Hour,
	}
	c.Audit = audit.Config{
		Enabled:       false,
		LogFile:       "audit.jsonl",
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
	c.Providers = ProvidersConfig{
		OpenAI:     &openai.Config{},
		Anthropic:  &anthropic.Config{},
		OpenRouter: &openrouter.Config{},
		Groq:       &groq.Config{},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}
	if strategy := os.Getenv("ROUTER_STRATEGY"); strategy != "" {
		c.Router.DefaultStrategy = strategy
	}
	if v := os.Getenv("ROUTER_CACHE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv("ROUTER_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.TTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ROUTER_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Router.MaxConcurrency = n
		}
	}
	if level := os.Getenv("ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validStrategies := map[string]bool{
		routing.StrategyBalanced:      true,
		routing.StrategyQualityFirst:  true,
		routing.StrategySpeedPriority: true,
		routing.StrategyCostOptimized: true,
		routing.StrategyRoundRobin:    true,
		routing.StrategyRandom:        true,
	}
	if !validStrategies[c.Router.DefaultStrategy] {
		return fmt.Errorf("invalid default strategy: %s", c.Router.DefaultStrategy)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache max_bytes must be positive")
	}
	if c.Router.MaxConcurrency <= 0 {
		return fmt.Errorf("router max_concurrency must be positive")
	}

	for i, g := range c.Providers.Generic {
		if g.Tag == "" || g.BaseURL == "" {
			return fmt.Errorf("generic provider %d requires tag and base_url", i)
		}
	}
	return nil
}

// ToCacheConfig converts to the cache package's config.
func (c *Config) ToCacheConfig() cache.Config {
	out := cache.DefaultConfig()
	out.MaxBytes = c.Cache.MaxBytes
	out.TTL = c.Cache.TTL
	return out
}

// Print renders the effective configuration as YAML. Provider credentials
// never live in this struct, so nothing sensitive is rendered.
func (c *Config) Print() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// ProviderTags lists the provider tags enabled by this configuration.
func (c *Config) ProviderTags() []string {
	var tags []string
	if c.Providers.OpenAI != nil {
		tags = append(tags, "openai")
	}
	if c.Providers.Anthropic != nil {
		tags = append(tags, "anthropic")
	}
	if c.Providers.OpenRouter != nil {
		tags = append(tags, "openrouter")
	}
	if c.Providers.Groq != nil {
		tags = append(tags, "groq")
	}
	if c.Providers.Ollama != nil {
		tags = append(tags, "ollama")
	}
	for _, g := range c.Providers.Generic {
		tags = append(tags, g.Tag)
	}
	return tags
}
