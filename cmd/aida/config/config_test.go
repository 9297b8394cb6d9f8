// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "http://localhost:9000" {
		t.Errorf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.Bridge.URL() != "http://127.0.0.1:8787" {
		t.Errorf("bridge url = %q", cfg.Bridge.URL())
	}
	if cfg.Bootstrap.TimeoutSeconds != 900 {
		t.Errorf("timeout = %d", cfg.Bootstrap.TimeoutSeconds)
	}
	if cfg.Compose.Services.Backend != "taiga-back" {
		t.Errorf("backend service = %q", cfg.Compose.Services.Backend)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
gateway:
  url: http://localhost:9100
bootstrap:
  timeout_seconds: 120
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "http://localhost:9100" {
		t.Errorf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.Bootstrap.TimeoutSeconds != 120 {
		t.Errorf("timeout = %d", cfg.Bootstrap.TimeoutSeconds)
	}
	// Untouched sections keep their defaults.
	if cfg.Bridge.Port != 8787 {
		t.Errorf("bridge port = %d", cfg.Bridge.Port)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
bridge:
  host: 127.0.0.1
  port: 70000
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gateway: ["), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestServiceGroups(t *testing.T) {
	s := Default().Compose.Services
	infra := s.Infra()
	if len(infra) != 3 {
		t.Fatalf("infra = %v", infra)
	}
	if len(s.All()) != 6 {
		t.Fatalf("all = %v", s.All())
	}
}
