package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":4242" || cfg.DatabasePath != "./mash.db" {
		t.Errorf("defaults: %+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("default level: got %v, want info", cfg.SlogLevel())
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mash.yaml")
	data := []byte("listen_addr: \":9000\"\nlog_level: debug\nauth_burst: 3\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("MASH_LISTEN_ADDR", ":7777")
	t.Setenv("MASH_AUTH_RATE_PER_MINUTE", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("env should beat file: got %s", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" || cfg.AuthBurst != 3 {
		t.Errorf("file values should apply: %+v", cfg)
	}
	if cfg.AuthRatePerMinute != 5 {
		t.Errorf("env int override: got %d, want 5", cfg.AuthRatePerMinute)
	}
	if cfg.DatabasePath != "./mash.db" {
		t.Errorf("untouched default: got %s", cfg.DatabasePath)
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
}

func TestLoad_BadLevel(t *testing.T) {
	t.Setenv("MASH_LOG_LEVEL", "loud")
	if _, err := Load(""); err == nil {
		t.Error("unknown log level must fail validation")
	}
}
