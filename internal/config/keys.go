package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STORYCACHE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STORYCACHE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.story_ttl_days", typ: kInt, env: "STORYCACHE_STORAGE_STORY_TTL_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Storage.StoryTTLDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.StoryTTLDays },
	},
	{
		key: "storage.audio_ttl_days", typ: kInt, env: "STORYCACHE_STORAGE_AUDIO_TTL_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Storage.AudioTTLDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.AudioTTLDays },
	},
	{
		key: "generator.base_url", typ: kString, env: "STORYCACHE_GENERATOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generator.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.BaseURL },
	},
	{
		key: "generator.default_model", typ: kString, env: "STORYCACHE_GENERATOR_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generator.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.DefaultModel },
	},
	{
		key: "generator.requests_per_minute", typ: kInt, env: "STORYCACHE_GENERATOR_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Generator.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Generator.RequestsPerMinute },
	},
	{
		key: "synthesis.base_url", typ: kString, env: "STORYCACHE_SYNTHESIS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Synthesis.BaseURL },
	},
	{
		key: "synthesis.deployment", typ: kString, env: "STORYCACHE_SYNTHESIS_DEPLOYMENT",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.Deployment = v.(string) },
		extract: func(cfg Config) any { return cfg.Synthesis.Deployment },
	},
	{
		key: "synthesis.voice", typ: kString, env: "STORYCACHE_SYNTHESIS_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Synthesis.Voice },
	},
	{
		key: "write.batch_size", typ: kInt, env: "STORYCACHE_WRITE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Write.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Write.BatchSize },
	},
	{
		key: "write.inter_batch_delay", typ: kString, env: "STORYCACHE_WRITE_INTER_BATCH_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Write.InterBatchDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Write.InterBatchDelay },
	},
	{
		key: "write.queue_concurrency", typ: kInt, env: "STORYCACHE_WRITE_QUEUE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Write.QueueConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Write.QueueConcurrency },
	},
	{
		key: "write.queue_delay", typ: kString, env: "STORYCACHE_WRITE_QUEUE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Write.QueueDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Write.QueueDelay },
	},
	{
		key: "write.adaptive", typ: kBool, env: "STORYCACHE_WRITE_ADAPTIVE",
		apply:   func(cfg *Config, v any) { cfg.Write.Adaptive = v.(bool) },
		extract: func(cfg Config) any { return cfg.Write.Adaptive },
	},
	{
		key: "orchestrator.default_count", typ: kInt, env: "STORYCACHE_ORCHESTRATOR_DEFAULT_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.DefaultCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.DefaultCount },
	},
	{
		key: "orchestrator.max_count", typ: kInt, env: "STORYCACHE_ORCHESTRATOR_MAX_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.MaxCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.MaxCount },
	},
	{
		key: "orchestrator.single_flight", typ: kBool, env: "STORYCACHE_ORCHESTRATOR_SINGLE_FLIGHT",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.SingleFlight = v.(bool) },
		extract: func(cfg Config) any { return cfg.Orchestrator.SingleFlight },
	},
	{
		key: "orchestrator.synthesis_parallelism", typ: kInt, env: "STORYCACHE_ORCHESTRATOR_SYNTHESIS_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.SynthesisParallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.SynthesisParallelism },
	},
	{
		key: "log.level", typ: kString, env: "STORYCACHE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				parsed, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("invalid boolean for %s: %w", s.key, err)
				}
				s.apply(cfg, parsed)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, ok := os.LookupEnv(s.env)
		if !ok || raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if v, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, v)
			}
		case kBool:
			if v, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, v)
			}
		}
	}
}

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the file backend.
func SetKey(key, value string) error {
	b := newFileBackend()

	for _, s := range specs {
		if s.key != key {
			continue
		}
		switch s.typ {
		case kString, kBool:
			if s.typ == kBool {
				if _, err := strconv.ParseBool(value); err != nil {
					return fmt.Errorf("invalid boolean value for %s: %w", key, err)
				}
			}
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
