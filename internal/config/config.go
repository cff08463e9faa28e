package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Generator    GeneratorConfig
	Synthesis    SynthesisConfig
	Write        WriteConfig
	Orchestrator OrchestratorConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	// TTLs are enforced by the store's administrative cleanup, not by the
	// orchestrator.
	StoryTTLDays int
	AudioTTLDays int
}

type GeneratorConfig struct {
	BaseURL           string
	DefaultModel      string
	RequestsPerMinute int
	APIKey            string
}

type SynthesisConfig struct {
	BaseURL    string
	Deployment string
	Voice      string
	APIKey     string
}

type WriteConfig struct {
	BatchSize        int
	InterBatchDelay  string
	QueueConcurrency int
	QueueDelay       string
	Adaptive         bool
}

type OrchestratorConfig struct {
	DefaultCount         int
	MaxCount             int
	SingleFlight         bool
	SynthesisParallelism int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir:      defaultDataDir(),
			StoryTTLDays: 30,
			AudioTTLDays: 30,
		},
		Generator: GeneratorConfig{
			BaseURL:           "https://api.openai.com/v1",
			DefaultModel:      "o4-mini",
			RequestsPerMinute: 30,
		},
		Synthesis: SynthesisConfig{
			BaseURL:    "https://api.openai.com/v1",
			Deployment: "gpt-4o-mini-tts",
			Voice:      "alloy",
		},
		Write: WriteConfig{
			BatchSize:        5,
			InterBatchDelay:  "2s",
			QueueConcurrency: 3,
			QueueDelay:       "1s",
			Adaptive:         true,
		},
		Orchestrator: OrchestratorConfig{
			DefaultCount:         3,
			MaxCount:             10,
			SingleFlight:         false,
			SynthesisParallelism: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// secrets are only ever read from the environment; they never touch the
// file backend.
type secrets struct {
	GeneratorAPIKey string `env:"STORYCACHE_GENERATOR_API_KEY"`
	SynthesisAPIKey string `env:"STORYCACHE_SYNTHESIS_API_KEY"`
	APIToken        string `env:"STORYCACHE_API_TOKEN"`
}

// Load reads configuration from the JSON file backend
// ($XDG_CONFIG_HOME/storycache/config.json), then applies STORYCACHE_*
// environment overrides, then environment secrets.
//
// The generator API key is required; synthesis is disabled when its key is
// missing.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	var sec secrets
	if err := env.Parse(&sec); err != nil {
		return Config{}, fmt.Errorf("reading environment secrets: %w", err)
	}
	if sec.GeneratorAPIKey != "" {
		cfg.Generator.APIKey = sec.GeneratorAPIKey
	}
	if sec.SynthesisAPIKey != "" {
		cfg.Synthesis.APIKey = sec.SynthesisAPIKey
	}

	if cfg.Generator.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: generator API key. " +
			"Set it via environment variable STORYCACHE_GENERATOR_API_KEY")
	}

	return cfg, nil
}

// APIToken returns the admin API bearer token from the environment, or ""
// when unset (the server then mints an ephemeral one).
func APIToken() string {
	var sec secrets
	if err := env.Parse(&sec); err != nil {
		return ""
	}
	return sec.APIToken
}
