// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aidamatic/aida/cmd/aida/config"
	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/workspace"
)

// BridgeManager starts, stops, and finds the background bridge process.
type BridgeManager struct {
	cfg    config.Config
	layout workspace.Layout
	proc   ProcessManager
	prober *Prober
	log    *logging.Logger
}

// NewBridgeManager wires a manager.
func NewBridgeManager(cfg config.Config, layout workspace.Layout, proc ProcessManager, prober *Prober, log *logging.Logger) *BridgeManager {
	if log == nil {
		log = logging.Default("bridge-manager")
	}
	return &BridgeManager{cfg: cfg, layout: layout, proc: proc, prober: prober, log: log}
}

// Healthy reports whether a bridge answers on the configured port.
func (m *BridgeManager) Healthy(ctx context.Context) bool {
	status, ok := m.prober.Probe(ctx, m.cfg.Bridge.URL()+"/health")
	return ok && status == http.StatusOK
}

// portInUse reports whether something accepts TCP on the bridge port.
func (m *BridgeManager) portInUse() bool {
	addr := net.JoinHostPort(m.cfg.Bridge.Host, strconv.Itoa(m.cfg.Bridge.Port))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EnsureRunning makes sure a bridge process exists: already healthy is
// a no-op; a busy port without a healthy answer is an error (something
// else owns it); otherwise the CLI re-execs itself detached in
// foreground bridge mode with output in bridge.log.
func (m *BridgeManager) EnsureRunning(ctx context.Context) error {
	if m.Healthy(ctx) {
		return nil
	}
	if m.portInUse() {
		return fmt.Errorf("port %d is in use but does not answer bridge health checks", m.cfg.Bridge.Port)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}
	pid, err := m.proc.StartDetached(m.layout.BridgeLogFile(), self, "bridge", "--foreground")
	if err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	m.log.Info("bridge started in background", "pid", pid, "log", m.layout.BridgeLogFile())
	return nil
}

// Stop terminates a background bridge via its pid file. Missing pid
// file or already-dead process are not errors.
func (m *BridgeManager) Stop() error {
	data, err := os.ReadFile(m.layout.BridgePIDFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("corrupt pid file %s: %w", m.layout.BridgePIDFile(), err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil //nolint:nilerr // process already gone
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop bridge pid %d: %w", pid, err)
	}
	m.log.Info("bridge stop signalled", "pid", pid)
	return nil
}

// =============================================================================
// Bridge HTTP client (CLI side)
// =============================================================================

// BridgeClient is the CLI's view of the local bridge.
type BridgeClient struct {
	baseURL string
	profile string
	http    *http.Client
}

// NewBridgeClient builds a client acting as profile.
func NewBridgeClient(baseURL, profile string) *BridgeClient {
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: profile,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Call performs one bridge request, decoding the JSON response into out
// when out is non-nil. Non-2xx responses surface the bridge's error
// message.
func (b *BridgeClient) Call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.profile != "" {
		req.Header.Set("X-AIDA-Profile", b.profile)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("bridge: %s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("bridge returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
