// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the typed configuration for the aida CLI,
// loaded from config.yaml next to the working copy.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Compose   ComposeConfig   `yaml:"compose"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`

	// Profiles are the identity profiles reconciled during bootstrap.
	// Empty means every profile in identities.json.
	Profiles []string `yaml:"profiles"`

	// Project is the working project ensured during reconciliation.
	Project ProjectConfig `yaml:"project"`
}

// ComposeConfig locates the tracker stack.
type ComposeConfig struct {
	File     string       `yaml:"file" validate:"required"`
	Services ServiceNames `yaml:"services"`
}

// ServiceNames are the compose service names of the stack's containers.
type ServiceNames struct {
	Database string `yaml:"database"`
	Broker   string `yaml:"broker"`
	Cache    string `yaml:"cache"`
	Backend  string `yaml:"backend"`
	Gateway  string `yaml:"gateway"`
	Frontend string `yaml:"frontend"`
}

// Infra returns the infrastructure services gated in the health phase.
func (s ServiceNames) Infra() []string {
	return []string{s.Database, s.Broker, s.Cache}
}

// All returns every known service name.
func (s ServiceNames) All() []string {
	return []string{s.Database, s.Broker, s.Cache, s.Backend, s.Gateway, s.Frontend}
}

// GatewayConfig points at the stack's public HTTP entry.
type GatewayConfig struct {
	URL string `yaml:"url" validate:"required,url"`
}

// BridgeConfig configures the local sidecar.
type BridgeConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// URL returns the bridge base URL.
func (b BridgeConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// ProjectConfig names the working project.
type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// BootstrapConfig tunes the bootstrap state machine.
type BootstrapConfig struct {
	// TimeoutSeconds bounds the whole bootstrap run.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=0"`

	// InfraSoftCapSeconds caps the infra health wait before proceeding
	// with health flagged unknown.
	InfraSoftCapSeconds int `yaml:"infra_soft_cap_seconds" validate:"min=0"`

	// StallWindowSeconds is the no-log-activity window of the backend
	// stall rule.
	StallWindowSeconds int `yaml:"stall_window_seconds" validate:"min=0"`

	// StallCPUPercent is the CPU floor of the backend stall rule.
	StallCPUPercent float64 `yaml:"stall_cpu_percent" validate:"min=0,max=100"`

	// BackendPort is the backend's internal TCP port.
	BackendPort int `yaml:"backend_port" validate:"min=1,max=65535"`

	// ResetCommand is the destructive reset subprocess run by --reset.
	ResetCommand []string `yaml:"reset_command"`
}

// Timeout returns the overall bootstrap deadline.
func (b BootstrapConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// InfraSoftCap returns the infra health soft cap.
func (b BootstrapConfig) InfraSoftCap() time.Duration {
	return time.Duration(b.InfraSoftCapSeconds) * time.Second
}

// StallWindow returns the stall rule window.
func (b BootstrapConfig) StallWindow() time.Duration {
	return time.Duration(b.StallWindowSeconds) * time.Second
}

// Default returns the configuration for a stock tracker stack.
func Default() Config {
	return Config{
		Compose: ComposeConfig{
			File: "docker-compose.yml",
			Services: ServiceNames{
				Database: "postgres",
				Broker:   "rabbit",
				Cache:    "redis",
				Backend:  "taiga-back",
				Gateway:  "gateway",
				Frontend: "taiga-front",
			},
		},
		Gateway: GatewayConfig{URL: "http://localhost:9000"},
		Bridge:  BridgeConfig{Host: "127.0.0.1", Port: 8787},
		Bootstrap: BootstrapConfig{
			TimeoutSeconds:      900,
			InfraSoftCapSeconds: 180,
			StallWindowSeconds:  60,
			StallCPUPercent:     5.0,
			BackendPort:         8000,
			ResetCommand:        []string{"aida-setup", "--reset", "--yes"},
		},
		Project: ProjectConfig{Name: "AIDA Dev", Description: "Working project managed by aida"},
	}
}

// Load reads path into a Config, filling gaps with defaults and
// validating the result. A missing file yields the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
