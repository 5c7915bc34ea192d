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
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FLINT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "FLINT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "engine.max_parallelism", typ: kInt, env: "FLINT_ENGINE_MAX_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxParallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxParallelism },
	},
	{
		key: "engine.step_timeout_ms", typ: kInt, env: "FLINT_ENGINE_STEP_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Engine.StepTimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.StepTimeoutMs },
	},
	{
		key: "engine.run_timeout_ms", typ: kInt, env: "FLINT_ENGINE_RUN_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Engine.RunTimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.RunTimeoutMs },
	},
	{
		key: "engine.plan_path", typ: kString, env: "FLINT_ENGINE_PLAN_PATH",
		apply:   func(cfg *Config, v any) { cfg.Engine.PlanPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.PlanPath },
	},
	{
		key: "engine.mask_summaries", typ: kBool, env: "FLINT_ENGINE_MASK_SUMMARIES",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaskSummaries = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.MaskSummaries },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FLINT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.temp_ttl_ms", typ: kInt, env: "FLINT_STORAGE_TEMP_TTL_MS",
		apply:   func(cfg *Config, v any) { cfg.Storage.TempTTLMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.TempTTLMs },
	},
	{
		key: "cleanup.poll_interval_ms", typ: kInt, env: "FLINT_CLEANUP_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.PollIntervalMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Cleanup.PollIntervalMs },
	},
	{
		key: "cleanup.sweep_interval_ms", typ: kInt, env: "FLINT_CLEANUP_SWEEP_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.SweepIntervalMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Cleanup.SweepIntervalMs },
	},
	{
		key: "log.level", typ: kString, env: "FLINT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
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
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
