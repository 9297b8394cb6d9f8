// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// aida-bridge is the local HTTP sidecar between editor tooling and the
// tracker stack. It exposes the workspace (assignment, outbox, docs,
// chat) over loopback HTTP and proxies read queries to the tracker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/workspace"
	"github.com/aidamatic/aida/services/bridge/app"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log := logging.New(logging.Config{Service: "bridge", JSON: true, Level: envOr("AIDA_LOG_LEVEL", "info")})
	defer log.Close()

	port, err := strconv.Atoi(envOr("AIDA_BRIDGE_PORT", "8787"))
	if err != nil || port < 1 || port > 65535 {
		log.Error("invalid AIDA_BRIDGE_PORT", "value", os.Getenv("AIDA_BRIDGE_PORT"))
		os.Exit(1)
	}

	opts := app.Options{
		Layout:     workspace.Resolve(),
		GatewayURL: envOr("AIDA_GATEWAY_URL", "http://localhost:9000"),
		Host:       envOr("AIDA_BRIDGE_HOST", "127.0.0.1"),
		Port:       port,
		Log:        log,
	}

	// Record our pid so the CLI can find and stop background instances.
	if err := opts.Layout.EnsureRoot(); err != nil {
		log.Error("prepare data dir", "error", err)
		os.Exit(1)
	}
	pidPath := opts.Layout.BridgePIDFile()
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		log.Warn("cannot write pid file", "path", pidPath, "error", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, opts); err != nil {
		log.Error("bridge exited", "error", err)
		os.Exit(1)
	}
}
