package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Network.ControlPort != 5600 {
		t.Errorf("expected ControlPort 5600, got %d", cfg.Network.ControlPort)
	}
	if cfg.Network.EventPort != 5601 {
		t.Errorf("expected EventPort 5601, got %d", cfg.Network.EventPort)
	}
	if cfg.Paths.DataRoot != "data" {
		t.Errorf("expected DataRoot 'data', got %s", cfg.Paths.DataRoot)
	}
	if cfg.Runtime.DevMode {
		t.Error("expected DevMode false by default")
	}
	if cfg.Runtime.LogLevel != "info" {
		t.Errorf("expected LogLevel 'info', got %s", cfg.Runtime.LogLevel)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("unexpected error for non-existent file: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected default config for non-existent file")
	}
}

func TestLoadValidFile(t *testing.T) {
	content := `
[network]
control_port = 6600
event_port = 6601
stimulus_port = 6602
camera_port = 6603
ack_port = 6604

[paths]
data_root = "/data/isi"
shm_dir = "/tmp/shm"

[runtime]
dev_mode = true
log_level = "debug"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Network.ControlPort != 6600 {
		t.Errorf("expected ControlPort 6600, got %d", cfg.Network.ControlPort)
	}
	if cfg.Paths.DataRoot != "/data/isi" {
		t.Errorf("expected DataRoot '/data/isi', got %s", cfg.Paths.DataRoot)
	}
	if !cfg.Runtime.DevMode {
		t.Error("expected DevMode true")
	}
	if cfg.Runtime.LogLevel != "debug" {
		t.Errorf("expected LogLevel 'debug', got %s", cfg.Runtime.LogLevel)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.toml")
	if err := os.WriteFile(path, []byte("invalid [ toml"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverridesDevModeAndLogLevel(t *testing.T) {
	t.Setenv("ISI_DEV_MODE", "true")
	t.Setenv("ISI_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Runtime.DevMode {
		t.Error("expected ISI_DEV_MODE=true to enable dev mode")
	}
	if cfg.Runtime.LogLevel != "warn" {
		t.Errorf("expected ISI_LOG_LEVEL=warn to apply, got %s", cfg.Runtime.LogLevel)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Network.ControlPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid control_port")
	}

	cfg = Default()
	cfg.Network.EventPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range event_port")
	}
}

func TestValidateRejectsEmptyPaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty data_root")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Runtime.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}
