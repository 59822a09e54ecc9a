package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubBackend is an in-memory ConfigBackend for load tests.
type stubBackend struct {
	strings map[string]string
	ints    map[string]int
	floats  map[string]float64
}

func (b *stubBackend) GetString(key string) (string, bool, error) {
	v, ok := b.strings[key]
	return v, ok, nil
}

func (b *stubBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *stubBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.floats[key]
	return v, ok, nil
}

func (b *stubBackend) SetString(key, val string) error      { return nil }
func (b *stubBackend) SetInt(key string, val int) error     { return nil }
func (b *stubBackend) SetFloat(key string, v float64) error { return nil }
func (b *stubBackend) Delete(key string) error              { return nil }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if _, ok := os.LookupEnv(s.env); ok {
			t.Setenv(s.env, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(&stubBackend{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Parse.Tolerance != 0.01 || cfg.Parse.BandHeight != 4.0 {
		t.Errorf("parse defaults = %+v", cfg.Parse)
	}
	if cfg.Parse.Timeout != "30s" || cfg.Session.TTL != "2h" {
		t.Errorf("duration defaults = %q / %q", cfg.Parse.Timeout, cfg.Session.TTL)
	}
	if cfg.Queue.WebhookMaxAttempts != 5 || cfg.Queue.BackoffCap != "5m" {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Server.APIToken != "" || cfg.Webhook.Secret != "" {
		t.Error("secrets should be empty by default")
	}
}

func TestBackendValuesOverrideDefaults(t *testing.T) {
	clearEnv(t)

	b := &stubBackend{
		strings: map[string]string{"session.ttl": "45m", "log.level": "debug"},
		ints:    map[string]int{"server.port": 9100, "queue.workers": 8},
		floats:  map[string]float64{"parse.tolerance": 0.05},
	}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Queue.Workers != 8 {
		t.Errorf("ints not applied: %+v", cfg)
	}
	if cfg.Session.TTL != "45m" || cfg.Log.Level != "debug" {
		t.Errorf("strings not applied: %+v", cfg)
	}
	if cfg.Parse.Tolerance != 0.05 {
		t.Errorf("Tolerance = %v, want 0.05", cfg.Parse.Tolerance)
	}
	// Untouched keys keep their defaults.
	if cfg.Parse.BandHeight != 4.0 {
		t.Errorf("BandHeight = %v, want 4.0", cfg.Parse.BandHeight)
	}
}

func TestEnvOverridesWinOverBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("INVOPIPE_SERVER_PORT", "9999")
	t.Setenv("INVOPIPE_PARSE_TOLERANCE", "0.02")
	t.Setenv("INVOPIPE_API_TOKEN", "sekrit")

	b := &stubBackend{ints: map[string]int{"server.port": 9100}}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want env override 9999", cfg.Server.Port)
	}
	if cfg.Parse.Tolerance != 0.02 {
		t.Errorf("Tolerance = %v, want 0.02", cfg.Parse.Tolerance)
	}
	if cfg.Server.APIToken != "sekrit" {
		t.Errorf("APIToken = %q", cfg.Server.APIToken)
	}
}

func TestMalformedEnvValueIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("INVOPIPE_SERVER_PORT", "not-a-port")
	t.Setenv("INVOPIPE_PARSE_BAND_HEIGHT", "tall")

	cfg, err := loadWith(&stubBackend{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Port = %d, want default after bad env value", cfg.Server.Port)
	}
	if cfg.Parse.BandHeight != 4.0 {
		t.Errorf("BandHeight = %v, want default after bad env value", cfg.Parse.BandHeight)
	}
}

func TestKeySpecParse(t *testing.T) {
	intSpec := keySpec{typ: kInt}
	if v, err := intSpec.parse("42"); err != nil || v.(int) != 42 {
		t.Errorf("parse int = %v, %v", v, err)
	}
	if _, err := intSpec.parse("4.5"); err == nil {
		t.Error("expected error for fractional integer")
	}

	floatSpec := keySpec{typ: kFloat}
	if v, err := floatSpec.parse("0.125"); err != nil || v.(float64) != 0.125 {
		t.Errorf("parse float = %v, %v", v, err)
	}
	if _, err := floatSpec.parse("x"); err == nil {
		t.Error("expected error for non-numeric float")
	}

	strSpec := keySpec{typ: kString}
	if v, err := strSpec.parse("anything"); err != nil || v.(string) != "anything" {
		t.Errorf("parse string = %v, %v", v, err)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	b := &fileBackend{path: path, data: make(map[string]any)}

	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9100); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetFloat("parse.tolerance", 0.05); err != nil {
		t.Fatalf("SetFloat: %v", err)
	}

	// Reload from disk via a fresh backend.
	fresh := &fileBackend{path: path, data: make(map[string]any)}
	fresh.load()

	if v, ok, err := fresh.GetString("log.level"); err != nil || !ok || v != "debug" {
		t.Errorf("GetString = %q, %v, %v", v, ok, err)
	}
	if v, ok, err := fresh.GetInt("server.port"); err != nil || !ok || v != 9100 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := fresh.GetFloat("parse.tolerance"); err != nil || !ok || v != 0.05 {
		t.Errorf("GetFloat = %v, %v, %v", v, ok, err)
	}

	if err := fresh.Delete("log.level"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := fresh.GetString("log.level"); ok {
		t.Error("key still present after Delete")
	}
}

func TestFileBackendRejectsFractionalInt(t *testing.T) {
	b := &fileBackend{path: filepath.Join(t.TempDir(), "config.json"), data: map[string]any{
		"server.port": 91.5,
	}}
	if _, _, err := b.GetInt("server.port"); err == nil {
		t.Error("expected error for fractional integer value")
	}
}

func TestFileBackendMissingFile(t *testing.T) {
	b := &fileBackend{path: filepath.Join(t.TempDir(), "config.json"), data: make(map[string]any)}
	b.load()
	if _, ok, _ := b.GetString("log.level"); ok {
		t.Error("missing file should yield no values")
	}
}

func TestSetKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "9100"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	b := newFileBackend()
	if v, ok, err := b.GetInt("server.port"); err != nil || !ok || v != 9100 {
		t.Errorf("stored port = %d, %v, %v", v, ok, err)
	}

	if err := SetKey("server.port", "lots"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := SetKey("no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetKeyRefusesSecrets(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	err := SetKey("server.api_token", "sekrit")
	if err == nil {
		t.Fatal("expected error setting a secret")
	}
	if !strings.Contains(err.Error(), "INVOPIPE_API_TOKEN") {
		t.Errorf("error should name the environment variable, got: %v", err)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "sekrit"
	cfg.Webhook.Secret = "hush"

	for _, info := range ShowAll(cfg) {
		if info.Key == "server.api_token" || info.Key == "webhook.secret" {
			t.Errorf("secret key %s exposed", info.Key)
		}
		if info.Value == "sekrit" || info.Value == "hush" {
			t.Errorf("secret value leaked under %s", info.Key)
		}
	}

	for _, k := range ValidKeys() {
		if k == "server.api_token" || k == "webhook.secret" {
			t.Errorf("secret key %s listed as settable", k)
		}
	}
}
