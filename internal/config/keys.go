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
		key: "server.port", typ: kInt, env: "ANNOTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "ANNOTD_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ANNOTD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "store.default_uri", typ: kString, env: "ANNOTD_STORE_DEFAULT_URI",
		apply:   func(cfg *Config, v any) { cfg.Store.DefaultURI = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DefaultURI },
	},
	{
		key: "store.default_id", typ: kString, env: "ANNOTD_STORE_DEFAULT_ID",
		apply:   func(cfg *Config, v any) { cfg.Store.DefaultID = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DefaultID },
	},
	{
		key: "store.default_container", typ: kString, env: "ANNOTD_STORE_DEFAULT_CONTAINER",
		apply:   func(cfg *Config, v any) { cfg.Store.DefaultContainer = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DefaultContainer },
	},
	{
		key: "store.default_name", typ: kString, env: "ANNOTD_STORE_DEFAULT_NAME",
		apply:   func(cfg *Config, v any) { cfg.Store.DefaultName = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DefaultName },
	},
	{
		key: "assign.concurrency", typ: kInt, env: "ANNOTD_ASSIGN_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Assign.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Assign.Concurrency },
	},
	{
		key: "import.dir", typ: kString, env: "ANNOTD_IMPORT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Import.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Import.Dir },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "ANNOTD_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "ANNOTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.token", typ: kString, env: "ANNOTD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
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
