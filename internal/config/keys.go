package config

import (
	"fmt"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer: %w", err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number: %w", err)
		}
		return f, nil
	default:
		return raw, nil
	}
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INVOPIPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "INVOPIPE_API_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INVOPIPE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "parse.band_height", typ: kFloat, env: "INVOPIPE_PARSE_BAND_HEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Parse.BandHeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Parse.BandHeight },
	},
	{
		key: "parse.tolerance", typ: kFloat, env: "INVOPIPE_PARSE_TOLERANCE",
		apply:   func(cfg *Config, v any) { cfg.Parse.Tolerance = v.(float64) },
		extract: func(cfg Config) any { return cfg.Parse.Tolerance },
	},
	{
		key: "parse.timeout", typ: kString, env: "INVOPIPE_PARSE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Parse.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Parse.Timeout },
	},
	{
		key: "parse.batch_workers", typ: kInt, env: "INVOPIPE_PARSE_BATCH_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Parse.BatchWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Parse.BatchWorkers },
	},
	{
		key: "session.ttl", typ: kString, env: "INVOPIPE_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "queue.poll_interval", typ: kString, env: "INVOPIPE_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "queue.lease", typ: kString, env: "INVOPIPE_QUEUE_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Queue.Lease = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Lease },
	},
	{
		key: "queue.backoff_base", typ: kString, env: "INVOPIPE_QUEUE_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffBase = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffBase },
	},
	{
		key: "queue.backoff_cap", typ: kString, env: "INVOPIPE_QUEUE_BACKOFF_CAP",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffCap = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffCap },
	},
	{
		key: "queue.webhook_max_attempts", typ: kInt, env: "INVOPIPE_QUEUE_WEBHOOK_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.WebhookMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.WebhookMaxAttempts },
	},
	{
		key: "queue.workers", typ: kInt, env: "INVOPIPE_QUEUE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Queue.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Workers },
	},
	{
		key: "webhook.secret", typ: kString, env: "INVOPIPE_WEBHOOK_SECRET", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.Secret = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.Secret },
	},
	{
		key: "webhook.timeout", typ: kString, env: "INVOPIPE_WEBHOOK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Webhook.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.Timeout },
	},
	{
		key: "log.level", typ: kString, env: "INVOPIPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}
