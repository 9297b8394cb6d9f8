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
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// ProcessManager abstracts external command execution.
//
// # Description
//
// ProcessManager is the single choke point for everything the CLI runs
// outside its own process: docker compose, docker, and the reset
// subprocess. Funneling exec through one interface keeps the bootstrap
// logic testable against recorded fakes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the log tailer and
// the defensive poller call into the same instance from separate
// goroutines.
type ProcessManager interface {
	// Run executes a command to completion and returns its combined
	// decision-relevant output. A non-zero exit is reported through err
	// with stderr folded into the message; exitCode carries the raw
	// code (-1 when the process never ran).
	Run(ctx context.Context, name string, args ...string) (stdout string, exitCode int, err error)

	// Stream starts a command and returns a reader over its combined
	// stdout+stderr. Closing the reader terminates the process. wait
	// blocks until exit and returns the process error, if any.
	Stream(ctx context.Context, name string, args ...string) (out io.ReadCloser, wait func() error, err error)

	// StartDetached launches a long-lived background process with its
	// output appended to logPath, returning the pid. The child survives
	// the CLI exiting.
	StartDetached(logPath string, name string, args ...string) (pid int, err error)
}

// DefaultProcessManager runs commands with os/exec.
type DefaultProcessManager struct{}

// NewDefaultProcessManager returns the production implementation.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

func (p *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), code, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return stdout.String(), code, nil
}

func (p *DefaultProcessManager) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, nil, fmt.Errorf("start %s: %w", name, err)
	}

	var once sync.Once
	var waitErr error
	wait := func() error {
		once.Do(func() {
			waitErr = cmd.Wait()
			pw.Close()
		})
		return waitErr
	}
	go wait() //nolint:errcheck // surfaced via the returned wait func

	return &processReader{PipeReader: pr, cmd: cmd}, wait, nil
}

// processReader kills the process when the consumer closes the reader.
type processReader struct {
	*io.PipeReader
	cmd *exec.Cmd
}

func (r *processReader) Close() error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	return r.PipeReader.Close()
}

func (p *DefaultProcessManager) StartDetached(logPath string, name string, args ...string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it eventually exits.
	go cmd.Wait() //nolint:errcheck

	return pid, nil
}

// =============================================================================
// Mock
// =============================================================================

// MockProcessManager records calls and delegates to optional function
// fields, defaulting to success with empty output.
type MockProcessManager struct {
	mu sync.Mutex

	RunFunc           func(ctx context.Context, name string, args ...string) (string, int, error)
	StreamFunc        func(ctx context.Context, name string, args ...string) (io.ReadCloser, func() error, error)
	StartDetachedFunc func(logPath string, name string, args ...string) (int, error)

	Calls []string
}

func (m *MockProcessManager) record(kind, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, kind+":"+name+" "+strings.Join(args, " "))
}

// CallsSnapshot returns a copy of the recorded calls.
func (m *MockProcessManager) CallsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	m.record("run", name, args)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return "", 0, nil
}

func (m *MockProcessManager) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, func() error, error) {
	m.record("stream", name, args)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, name, args...)
	}
	return io.NopCloser(strings.NewReader("")), func() error { return nil }, nil
}

func (m *MockProcessManager) StartDetached(logPath string, name string, args ...string) (int, error) {
	m.record("detach", name, args)
	if m.StartDetachedFunc != nil {
		return m.StartDetachedFunc(logPath, name, args...)
	}
	return 12345, nil
}

// Compile-time interface checks
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)
