package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
cloud:
  client_id: abc
  client_secret: def
  refresh_token: tok
api:
  listen: 127.0.0.1:9999
store:
  path: /tmp/test.db
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cloud.ClientID != "abc" || cfg.Cloud.RefreshToken != "tok" {
		t.Errorf("cloud config = %+v", cfg.Cloud)
	}
	if cfg.API.Listen != "127.0.0.1:9999" {
		t.Errorf("listen = %q", cfg.API.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
cloud:
  client_id: abc
  client_secret: def
  refresh_token: tok
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cloud.BaseURL != "https://api.telldus.com" {
		t.Errorf("base url = %q", cfg.Cloud.BaseURL)
	}
	if cfg.API.Listen != "127.0.0.1:8654" {
		t.Errorf("listen = %q", cfg.API.Listen)
	}
	if cfg.Store.Path == "" {
		t.Error("store path not defaulted")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
cloud:
  client_id: abc
  client_secret: def
  refresh_token: tok
`)
	t.Setenv("TELLSYNC_CLIENT_ID", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cloud.ClientID != "from-env" {
		t.Errorf("client id = %q, want from-env", cfg.Cloud.ClientID)
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
cloud:
  client_id: abc
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	if !strings.Contains(err.Error(), "client_secret") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "cloud: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
