package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]any

func (m memBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return "", true, nil
}

func (m memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m memBackend) SetString(key, val string) error  { m[key] = val; return nil }
func (m memBackend) SetInt(key string, val int) error { m[key] = val; return nil }
func (m memBackend) Delete(key string) error          { delete(m, key); return nil }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := loadWith(memBackend{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("Server.Bind = %q, want 127.0.0.1", cfg.Server.Bind)
	}
	if cfg.Storage.DataDir != "/data/annotd" {
		t.Errorf("Storage.DataDir = %q, want /data/annotd", cfg.Storage.DataDir)
	}
	if cfg.Store.DefaultURI != "sqlite:/data/annotd/conversations.db" {
		t.Errorf("Store.DefaultURI = %q", cfg.Store.DefaultURI)
	}
	if cfg.Store.DefaultID != "annotd" || cfg.Store.DefaultContainer != "conversations" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Assign.Concurrency != 8 {
		t.Errorf("Assign.Concurrency = %d, want 8", cfg.Assign.Concurrency)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Import.Dir != "" {
		t.Errorf("Import.Dir = %q, want empty", cfg.Import.Dir)
	}
}

// TestBackendValues verifies file values override defaults.
func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := memBackend{
		"server.port":             5000,
		"store.default_uri":       "mongodb://db:27017",
		"store.default_id":        "labels",
		"assign.concurrency":      2,
		"metrics.enabled":         "false",
		"import.dir":              "/inbox",
		"api.token":               "ignored",
		"store.default_container": "chats",
	}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Store.DefaultURI != "mongodb://db:27017" || cfg.Store.DefaultID != "labels" || cfg.Store.DefaultContainer != "chats" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Assign.Concurrency != 2 {
		t.Errorf("Assign.Concurrency = %d", cfg.Assign.Concurrency)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if cfg.Import.Dir != "/inbox" {
		t.Errorf("Import.Dir = %q", cfg.Import.Dir)
	}
	if cfg.API.Token != "" {
		t.Errorf("secret read from file: %q", cfg.API.Token)
	}
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANNOTD_SERVER_PORT", "6000")
	t.Setenv("ANNOTD_API_TOKEN", "env-token")
	t.Setenv("ANNOTD_METRICS_ENABLED", "0")
	t.Setenv("ANNOTD_ASSIGN_CONCURRENCY", "not-a-number")

	cfg, err := loadWith(memBackend{"server.port": 5000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q, want env-token", cfg.API.Token)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if cfg.Assign.Concurrency != 8 {
		t.Errorf("unparseable env should keep default, got %d", cfg.Assign.Concurrency)
	}
}

func TestSetKey(t *testing.T) {
	b := memBackend{}
	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b["server.port"] != 4200 {
		t.Errorf("server.port = %v", b["server.port"])
	}
	if err := setKey(b, "metrics.enabled", "no"); err == nil {
		t.Error("expected error for invalid bool")
	}
	if err := setKey(b, "metrics.enabled", "false"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKey(b, "api.token", "x"); err == nil || !strings.Contains(err.Error(), "ANNOTD_API_TOKEN") {
		t.Errorf("setting a secret: got %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotd", "config.json")
	b := newFileBackend(path)
	if err := b.SetInt("server.port", 4300); err != nil {
		t.Fatal(err)
	}
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatal(err)
	}

	reloaded := newFileBackend(path)
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 4300 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, _ := reloaded.GetString("log.level"); !ok || v != "debug" {
		t.Errorf("GetString = %q, %v", v, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == "api.token" || k.Value == "secret" {
			t.Errorf("secret exposed: %+v", k)
		}
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys = %v", ValidKeys())
	}
}

func TestAPIToken(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()

	if _, err := ReadAPIToken(cfg); err == nil {
		t.Error("ReadAPIToken before creation should fail")
	}

	tok, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}
	again, err := APIToken(cfg)
	if err != nil || again != tok {
		t.Errorf("second APIToken = %q, %v; want stored %q", again, err, tok)
	}
	read, err := ReadAPIToken(cfg)
	if err != nil || read != tok {
		t.Errorf("ReadAPIToken = %q, %v", read, err)
	}

	info, err := os.Stat(filepath.Join(cfg.Storage.DataDir, tokenFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}

	cfg.API.Token = "explicit"
	if tok, _ := APIToken(cfg); tok != "explicit" {
		t.Errorf("APIToken with env token = %q", tok)
	}
}
