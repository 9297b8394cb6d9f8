// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Health states reported by ClusterInspector.ServiceHealth.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
	HealthNone      = "none"    // container runs but defines no healthcheck
	HealthUnknown   = "unknown" // container absent or runtime unreachable
)

// ClusterInspector answers narrow questions about the compose stack.
//
// # Description
//
// The bootstrap state machine never shells out directly; every fact it
// needs about containers (health, logs, ports, CPU) comes through this
// interface so the timing-sensitive phases can be tested against fakes.
type ClusterInspector interface {
	// ServiceHealth returns one of the Health* constants for a compose
	// service.
	ServiceHealth(ctx context.Context, service string) (string, error)

	// LastLogLines returns up to n trailing log lines of a service.
	LastLogLines(ctx context.Context, service string, n int) ([]string, error)

	// PortOpen reports whether a TCP port is accepting connections
	// inside the service's container.
	PortOpen(ctx context.Context, service string, port int) (bool, error)

	// CPUPercent samples the service container's CPU usage.
	CPUPercent(ctx context.Context, service string) (float64, error)
}

// ComposeInspector implements ClusterInspector over docker compose.
type ComposeInspector struct {
	proc        ProcessManager
	composeFile string
}

// NewComposeInspector returns an inspector bound to a compose file.
func NewComposeInspector(proc ProcessManager, composeFile string) *ComposeInspector {
	return &ComposeInspector{proc: proc, composeFile: composeFile}
}

func (i *ComposeInspector) compose(args ...string) []string {
	return append([]string{"compose", "-f", i.composeFile}, args...)
}

func (i *ComposeInspector) containerID(ctx context.Context, service string) (string, error) {
	out, _, err := i.proc.Run(ctx, "docker", i.compose("ps", "-q", service)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("service %s has no container", service)
	}
	// Multiple replicas never happen for this stack; take the first.
	if nl := strings.IndexByte(id, '\n'); nl >= 0 {
		id = id[:nl]
	}
	return id, nil
}

func (i *ComposeInspector) ServiceHealth(ctx context.Context, service string) (string, error) {
	id, err := i.containerID(ctx, service)
	if err != nil {
		return HealthUnknown, nil
	}
	out, _, err := i.proc.Run(ctx, "docker", "inspect", "--format",
		"{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}", id)
	if err != nil {
		return HealthUnknown, nil
	}
	switch status := strings.TrimSpace(out); status {
	case "healthy", "unhealthy", "starting", "none":
		return status, nil
	default:
		return HealthUnknown, nil
	}
}

func (i *ComposeInspector) LastLogLines(ctx context.Context, service string, n int) ([]string, error) {
	out, _, err := i.proc.Run(ctx, "docker",
		i.compose("logs", "--no-color", "--timestamps", "--tail", strconv.Itoa(n), service)...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (i *ComposeInspector) PortOpen(ctx context.Context, service string, port int) (bool, error) {
	// Probe from inside the container so the check does not depend on
	// published ports or gateway routing.
	_, code, err := i.proc.Run(ctx, "docker",
		i.compose("exec", "-T", service, "bash", "-lc",
			fmt.Sprintf("exec 3<>/dev/tcp/127.0.0.1/%d", port))...)
	if err != nil {
		return false, nil //nolint:nilerr // closed port, not an inspection failure
	}
	return code == 0, nil
}

func (i *ComposeInspector) CPUPercent(ctx context.Context, service string) (float64, error) {
	id, err := i.containerID(ctx, service)
	if err != nil {
		return 0, err
	}
	out, _, err := i.proc.Run(ctx, "docker", "stats", "--no-stream", "--format", "{{.CPUPerc}}", id)
	if err != nil {
		return 0, err
	}
	v := strings.TrimSuffix(strings.TrimSpace(out), "%")
	pct, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cpu sample %q: %w", out, err)
	}
	return pct, nil
}

// =============================================================================
// Mock
// =============================================================================

// MockClusterInspector records calls and delegates to function fields.
type MockClusterInspector struct {
	mu sync.Mutex

	ServiceHealthFunc func(ctx context.Context, service string) (string, error)
	LastLogLinesFunc  func(ctx context.Context, service string, n int) ([]string, error)
	PortOpenFunc      func(ctx context.Context, service string, port int) (bool, error)
	CPUPercentFunc    func(ctx context.Context, service string) (float64, error)

	Calls []string
}

func (m *MockClusterInspector) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockClusterInspector) ServiceHealth(ctx context.Context, service string) (string, error) {
	m.record("health:" + service)
	if m.ServiceHealthFunc != nil {
		return m.ServiceHealthFunc(ctx, service)
	}
	return HealthHealthy, nil
}

func (m *MockClusterInspector) LastLogLines(ctx context.Context, service string, n int) ([]string, error) {
	m.record("logs:" + service)
	if m.LastLogLinesFunc != nil {
		return m.LastLogLinesFunc(ctx, service, n)
	}
	return nil, nil
}

func (m *MockClusterInspector) PortOpen(ctx context.Context, service string, port int) (bool, error) {
	m.record(fmt.Sprintf("port:%s:%d", service, port))
	if m.PortOpenFunc != nil {
		return m.PortOpenFunc(ctx, service, port)
	}
	return true, nil
}

func (m *MockClusterInspector) CPUPercent(ctx context.Context, service string) (float64, error) {
	m.record("cpu:" + service)
	if m.CPUPercentFunc != nil {
		return m.CPUPercentFunc(ctx, service)
	}
	return 50, nil
}

// Compile-time interface checks
var (
	_ ClusterInspector = (*ComposeInspector)(nil)
	_ ClusterInspector = (*MockClusterInspector)(nil)
)
