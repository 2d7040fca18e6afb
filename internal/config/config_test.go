package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
environment:
  mode: demo
  log_level: debug

broker:
  api_key: key
  identifier: me@example.com
  password: pw
  call_timeout: 5s

trading:
  cash_fraction: 0.25
  stop_loss_fraction: 0.05

server:
  port: 9000
  path_token: tok
  shared_secret: sec
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.IsDemo() {
		t.Fatal("IsDemo() = false, want true")
	}
	if cfg.Trading.CashFraction != 0.25 || cfg.Trading.StopLossFraction != 0.05 {
		t.Fatalf("trading config = %+v", cfg.Trading)
	}
	if got := cfg.GetCallTimeout(); got != 5*time.Second {
		t.Fatalf("GetCallTimeout() = %v, want 5s", got)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_CAPITAL_KEY", "expanded-key")
	content := strings.Replace(validYAML, "api_key: key", "api_key: ${TEST_CAPITAL_KEY}", 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.APIKey != "expanded-key" {
		t.Fatalf("api_key = %q, want expanded-key", cfg.Broker.APIKey)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	content := `
environment:
  mode: live
broker:
  api_key: key
  identifier: me
  password: pw
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Trading.CashFraction != 0.10 || cfg.Trading.StopLossFraction != 0.10 {
		t.Fatalf("trading defaults = %+v", cfg.Trading)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Environment.LogLevel != "info" {
		t.Fatalf("default log_level = %q, want info", cfg.Environment.LogLevel)
	}
	if cfg.GetCallTimeout() != 20*time.Second {
		t.Fatalf("default timeout = %v, want 20s", cfg.GetCallTimeout())
	}
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "bad mode",
			mutate:  func(s string) string { return strings.Replace(s, "mode: demo", "mode: sandbox", 1) },
			wantErr: "environment.mode",
		},
		{
			name:    "missing api key",
			mutate:  func(s string) string { return strings.Replace(s, "api_key: key", "api_key: \"\"", 1) },
			wantErr: "broker.api_key",
		},
		{
			name:    "missing identifier",
			mutate:  func(s string) string { return strings.Replace(s, "identifier: me@example.com", "identifier: \"\"", 1) },
			wantErr: "broker.identifier",
		},
		{
			name:    "cash fraction above one",
			mutate:  func(s string) string { return strings.Replace(s, "cash_fraction: 0.25", "cash_fraction: 1.5", 1) },
			wantErr: "trading.cash_fraction",
		},
		{
			name:    "negative stop loss",
			mutate:  func(s string) string { return strings.Replace(s, "stop_loss_fraction: 0.05", "stop_loss_fraction: -0.1", 1) },
			wantErr: "trading.stop_loss_fraction",
		},
		{
			name:    "bad timeout",
			mutate:  func(s string) string { return strings.Replace(s, "call_timeout: 5s", "call_timeout: soon", 1) },
			wantErr: "broker.call_timeout",
		},
		{
			name:    "unknown field",
			mutate:  func(s string) string { return s + "\nextra_section:\n  x: 1\n" },
			wantErr: "parsing config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validYAML)))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}
