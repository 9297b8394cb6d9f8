// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/aidamatic/aida/cmd/aida/config"
	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/workspace"
)

func TestBridgeManagerHealthyIsNoOp(t *testing.T) {
	cfg := config.Default()
	proc := &MockProcessManager{}
	prober := newTestProber(&fakeDoer{status: func(string) (int, error) { return 200, nil }})
	layout := workspace.At(t.TempDir())
	m := NewBridgeManager(cfg, layout, proc, prober, logging.New(logging.Config{Service: "test", Quiet: true}))

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(proc.CallsSnapshot()) != 0 {
		t.Fatalf("healthy bridge must not be restarted, calls: %v", proc.Calls)
	}
}

func TestBridgeManagerPortConflict(t *testing.T) {
	// Something listens on the port but does not answer health checks.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, _ := strings.Cut(addr, ":")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Bridge.Host = host
	cfg.Bridge.Port = port

	proc := &MockProcessManager{}
	prober := newTestProber(&fakeDoer{status: func(string) (int, error) { return 404, nil }})
	layout := workspace.At(t.TempDir())
	m := NewBridgeManager(cfg, layout, proc, prober, logging.New(logging.Config{Service: "test", Quiet: true}))

	err = m.EnsureRunning(context.Background())
	if err == nil {
		t.Fatal("expected an error for a conflicting listener")
	}
	if !strings.Contains(err.Error(), "in use") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proc.CallsSnapshot()) != 0 {
		t.Fatal("must not start a second bridge over a foreign listener")
	}
}

func TestBridgeManagerStopWithoutPIDFile(t *testing.T) {
	cfg := config.Default()
	layout := workspace.At(filepath.Join(t.TempDir(), "data"))
	m := NewBridgeManager(cfg, layout, &MockProcessManager{}, newTestProber(&fakeDoer{
		status: func(string) (int, error) { return 200, nil },
	}), logging.New(logging.Config{Service: "test", Quiet: true}))

	if err := m.Stop(); err != nil {
		t.Fatalf("missing pid file must not be an error: %v", err)
	}
}

func TestBridgeClientDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-AIDA-Profile") != "dev" {
			t.Errorf("profile header missing, got %q", r.Header.Get("X-AIDA-Profile"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"no assignment selected"}`))
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "dev")
	err := c.Call(context.Background(), http.MethodGet, "/task/current", nil, nil)
	if err == nil {
		t.Fatal("expected error from 409")
	}
	if !strings.Contains(err.Error(), "no assignment selected") {
		t.Fatalf("bridge error message lost: %v", err)
	}
	if !strings.Contains(err.Error(), "409") {
		t.Fatalf("status code lost: %v", err)
	}
}

func TestBridgeClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc","type":"comment"}`))
	}))
	defer srv.Close()

	var out struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	c := NewBridgeClient(srv.URL, "")
	if err := c.Call(context.Background(), http.MethodPost, "/task/comment",
		map[string]string{"text": "hi"}, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != "abc" || out.Type != "comment" {
		t.Fatalf("unexpected response: %+v", out)
	}
}
