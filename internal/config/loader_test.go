package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
	if cfg.Limits.MaxSessions != 1000 {
		t.Fatalf("expected default maxSessions, got %d", cfg.Limits.MaxSessions)
	}
}

func TestLoadOverridesDefaultsAndPreservesUnset(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broker.yaml", "listen: \":9999\"\nlimits:\n  maxSessions: 5\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Fatalf("expected overridden listen, got %q", cfg.Listen)
	}
	if cfg.Limits.MaxSessions != 5 {
		t.Fatalf("expected overridden maxSessions, got %d", cfg.Limits.MaxSessions)
	}
	if cfg.Limits.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected default heartbeatInterval to survive partial override, got %s", cfg.Limits.HeartbeatInterval)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "logLevel: debug\n")
	path := writeFile(t, dir, "broker.yaml", "$include: base.yaml\nlisten: \":7000\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected included logLevel, got %q", cfg.LogLevel)
	}
	if cfg.Listen != ":7000" {
		t.Fatalf("expected own listen to survive over include, got %q", cfg.Listen)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600)
	os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600)

	if _, err := Load(a); err == nil {
		t.Fatal("expected include cycle to be detected")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broker.yaml", "notAField: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}
