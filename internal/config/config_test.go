package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Net.CmdPort != 3100 {
		t.Errorf("Net.CmdPort = %d, want 3100", cfg.Net.CmdPort)
	}
	if cfg.Net.TrkPort != 3199 {
		t.Errorf("Net.TrkPort = %d, want 3199", cfg.Net.TrkPort)
	}
	if cfg.Net.MaxClients != 64 {
		t.Errorf("Net.MaxClients = %d, want 64", cfg.Net.MaxClients)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
net:
  cmd_port: 4100
  trk_port: 4199
auth:
  require_password: true
  password: "s3cret"
log:
  level: "debug"
  format: "json"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Net.CmdPort != 4100 {
		t.Errorf("Net.CmdPort = %d, want 4100", cfg.Net.CmdPort)
	}
	if cfg.Net.TrkPort != 4199 {
		t.Errorf("Net.TrkPort = %d, want 4199", cfg.Net.TrkPort)
	}
	if cfg.Auth.Password != "s3cret" {
		t.Errorf("Auth.Password = %q, want %q", cfg.Auth.Password, "s3cret")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
net:
  cmd_port: 5100
  trk_port: 5199
auth:
  require_password: true
  password: "x"
log:
  level: "warn"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Net.CmdPort != 5100 {
		t.Errorf("Net.CmdPort = %d, want 5100", cfg.Net.CmdPort)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Defaults preserved for untouched fields.
	if cfg.Net.MaxClients != 64 {
		t.Errorf("Net.MaxClients = %d, want default 64", cfg.Net.MaxClients)
	}
	if cfg.Net.DeviceIdleTimeout != 20*time.Minute {
		t.Errorf("Net.DeviceIdleTimeout = %v, want default %v", cfg.Net.DeviceIdleTimeout, 20*time.Minute)
	}
	if cfg.Geo.AddressLookupProximity != 20 {
		t.Errorf("Geo.AddressLookupProximity = %v, want default 20", cfg.Geo.AddressLookupProximity)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "zero cmd port",
			modify:  func(cfg *config.Config) { cfg.Net.CmdPort = 0 },
			wantErr: config.ErrInvalidCmdPort,
		},
		{
			name:    "zero trk port",
			modify:  func(cfg *config.Config) { cfg.Net.TrkPort = 0 },
			wantErr: config.ErrInvalidTrkPort,
		},
		{
			name: "same ports",
			modify: func(cfg *config.Config) {
				cfg.Net.TrkPort = cfg.Net.CmdPort
			},
			wantErr: config.ErrSamePort,
		},
		{
			name:    "zero max clients",
			modify:  func(cfg *config.Config) { cfg.Net.MaxClients = 0 },
			wantErr: config.ErrInvalidMaxClients,
		},
		{
			name: "password required but empty",
			modify: func(cfg *config.Config) {
				cfg.Auth.RequirePassword = true
				cfg.Auth.Password = ""
			},
			wantErr: config.ErrPasswordRequired,
		},
		{
			name: "track split time not greater than seg split time",
			modify: func(cfg *config.Config) {
				cfg.Device.TrackSplitTime = time.Minute
				cfg.Device.TrackSegSplitTime = time.Minute
			},
			wantErr: config.ErrTrackSplitInvalid,
		},
		{
			name:    "empty data dir",
			modify:  func(cfg *config.Config) { cfg.Paths.DataDir = "" },
			wantErr: config.ErrEmptyDataDir,
		},
		{
			name:    "empty db dir",
			modify:  func(cfg *config.Config) { cfg.Paths.DBDir = "" },
			wantErr: config.ErrEmptyDBDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			cfg.Auth.Password = "seed"
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTrackSplitTimeValidCombinations(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Auth.Password = "seed"
	cfg.Device.TrackSplitTime = 2 * time.Minute
	cfg.Device.TrackSegSplitTime = time.Minute
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with split > seg split returned error: %v", err)
	}

	cfg.Device.TrackSplitTime = 0
	cfg.Device.TrackSegSplitTime = 0
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with both zero returned error: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	yamlContent := `
net:
  cmd_port: 3100
  trk_port: 3199
auth:
  require_password: true
  password: "seed"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("G7CTRLD_LOG_LEVEL", "debug")
	t.Setenv("G7CTRLD_PATHS_DATA_DIR", "/tmp/g7-data")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/g7ctrld.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
	}{{"debug"}, {"DEBUG"}, {"info"}, {"warn"}, {"error"}, {"unknown"}, {""}}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			_ = config.ParseLogLevel(tt.input)
		})
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "g7ctrld.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
