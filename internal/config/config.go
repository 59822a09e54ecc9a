package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Parse   ParseConfig
	Session SessionConfig
	Queue   QueueConfig
	Webhook WebhookConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ParseConfig struct {
	BandHeight   float64
	Tolerance    float64
	Timeout      string
	BatchWorkers int
}

type SessionConfig struct {
	TTL string
}

type QueueConfig struct {
	PollInterval       string
	Lease              string
	BackoffBase        string
	BackoffCap         string
	WebhookMaxAttempts int
	Workers            int
}

type WebhookConfig struct {
	Secret  string
	Timeout string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Parse: ParseConfig{
			BandHeight:   4.0,
			Tolerance:    0.01,
			Timeout:      "30s",
			BatchWorkers: 4,
		},
		Session: SessionConfig{
			TTL: "2h",
		},
		Queue: QueueConfig{
			PollInterval:       "500ms",
			Lease:              "60s",
			BackoffBase:        "1s",
			BackoffCap:         "5m",
			WebhookMaxAttempts: 5,
			Workers:            2,
		},
		Webhook: WebhookConfig{
			Timeout: "10s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "invopipe-data"
		}
	}
	return filepath.Join(dir, "invopipe")
}

// Load reads configuration from the JSON file backend and environment
// variables. Environment variables (INVOPIPE_*) override backend values;
// secrets (API token, webhook signing secret) come from the environment
// only and are never written to the config file.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
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
				return fmt.Errorf("reading config key %q: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading config key %q: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading config key %q: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
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
		if v, err := s.parse(raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", s.env, err)
		}
	}
}
