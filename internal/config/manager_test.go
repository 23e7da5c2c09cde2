package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
backup:
  state_path: /var/lib/opsdash/schedule.json
  output_dir: /var/lib/opsdash/backups
  lock_timeout: 5s
  targets:
    - name: prod
      endpoint: https://portainer.internal:9443
      api_key: secret
retention:
  enabled: true
  max_age: 720h
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Backup.LockTimeout != "5s" {
		t.Fatalf("lock_timeout = %q", cfg.Backup.LockTimeout)
	}
	if len(cfg.Backup.Targets) != 1 || cfg.Backup.Targets[0].Name != "prod" {
		t.Fatalf("targets = %+v", cfg.Backup.Targets)
	}
	if cfg.Retention == nil || !cfg.Retention.Enabled {
		t.Fatalf("retention = %+v", cfg.Retention)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "backup": {
    "state_path": "./schedule.json",
    "output_dir": "./backups",
    "targets": [{"name": "edge", "endpoint": "https://edge:9443"}]
  }
}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backup.Targets[0].Endpoint != "https://edge:9443" {
		t.Fatalf("targets = %+v", cfg.Backup.Targets)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "backup": {"state_path": "./s.json", "output_dir": "./b", "targets": []},
  "surprise": true
}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "missing state_path", body: `{"backup": {"output_dir": "./b", "targets": []}}`},
		{name: "missing output_dir", body: `{"backup": {"state_path": "./s.json", "targets": []}}`},
		{name: "target without endpoint", body: `{"backup": {"state_path": "./s.json", "output_dir": "./b", "targets": [{"name": "x"}]}}`},
		{name: "bad lock_timeout", body: `{"backup": {"state_path": "./s.json", "output_dir": "./b", "lock_timeout": "soon", "targets": []}}`},
		{name: "alerts without token", body: `{"backup": {"state_path": "./s.json", "output_dir": "./b", "targets": []}, "alerts": {"enabled": true, "token": "", "chat_id": 0}}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.body)
			if _, err := NewManager(path).Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
