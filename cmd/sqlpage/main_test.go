package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFlagsWin(t *testing.T) {
	dir := t.TempDir()
	yaml := "web_root: from-file\nport: 9000\nenvironment: production\n"
	if err := os.WriteFile(filepath.Join(dir, "sqlpage.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f, err := parseFlags([]string{"-config-dir", dir, "-web-root", "site", "-database-url", "sqlite::memory:"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.WebRoot != "site" {
		t.Fatalf("expected web root from the flag, got %q", cfg.WebRoot)
	}
	if cfg.Port != 9000 || !cfg.IsProduction() {
		t.Fatalf("file settings lost: port=%d environment=%s", cfg.Port, cfg.Environment)
	}
	if cfg.DatabaseURL != "sqlite::memory:" {
		t.Fatalf("expected database url from the flag, got %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Fatalf("listen address = %q", cfg.ListenAddr())
	}
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseFlags([]string{"-no-such-flag"}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}

func TestSetupLogging(t *testing.T) {
	f, _ := parseFlags([]string{"-config-dir", t.TempDir(), "-database-url", "sqlite::memory:"})
	cfg, err := loadConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	cfg.LogLevel = "debug"
	if err := setupLogging(cfg); err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	cfg.LogLevel = "chatty"
	if err := setupLogging(cfg); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
