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
	"io"
	"strings"

	"github.com/aidamatic/aida/cmd/aida/config"
)

// Doctor runs a one-shot diagnostic pass over the stack and prints a
// human-readable report. It never mutates anything.
type Doctor struct {
	cfg       config.Config
	proc      ProcessManager
	inspector ClusterInspector
	checker   *ReadinessChecker
	out       io.Writer
}

// NewDoctor wires a doctor writing its report to out.
func NewDoctor(cfg config.Config, proc ProcessManager, inspector ClusterInspector, checker *ReadinessChecker, out io.Writer) *Doctor {
	return &Doctor{cfg: cfg, proc: proc, inspector: inspector, checker: checker, out: out}
}

func (d *Doctor) section(title string) {
	fmt.Fprintf(d.out, "\n== %s ==\n", title)
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

// Run produces the report. The returned error only reflects failures of
// the diagnosis itself; an unhealthy stack still diagnoses cleanly.
func (d *Doctor) Run(ctx context.Context) error {
	d.section("runtime")
	if out, _, err := d.proc.Run(ctx, "docker", "version", "--format", "{{.Server.Version}}"); err != nil {
		fmt.Fprintf(d.out, "%s docker unreachable: %v\n", mark(false), err)
	} else {
		fmt.Fprintf(d.out, "%s docker server %s\n", mark(true), strings.TrimSpace(out))
	}

	d.section("services")
	for _, svc := range d.cfg.Compose.Services.All() {
		status, err := d.inspector.ServiceHealth(ctx, svc)
		if err != nil {
			status = HealthUnknown
		}
		fmt.Fprintf(d.out, "%s %-12s %s\n", mark(status == HealthHealthy || status == HealthNone), svc, status)
	}

	d.section("endpoints")
	r := d.checker.Evaluate(ctx)
	fmt.Fprintf(d.out, "%s gateway root   (%s/)\n", mark(r.RootOK), d.cfg.Gateway.URL)
	fmt.Fprintf(d.out, "%s gateway api    (%s/api/v1/projects)\n", mark(r.APIOK), d.cfg.Gateway.URL)
	fmt.Fprintf(d.out, "%s auth endpoint  (%s/api/v1/auth)\n", mark(r.AuthPresent), d.cfg.Gateway.URL)
	fmt.Fprintf(d.out, "%s bridge health  (%s/health)\n", mark(r.BridgeOK), d.cfg.Bridge.URL())
	fmt.Fprintf(d.out, "%s gateway ready\n", mark(r.GatewayReady()))

	d.section("recent logs")
	for _, svc := range d.cfg.Compose.Services.All() {
		lines, err := d.inspector.LastLogLines(ctx, svc, 3)
		if err != nil || len(lines) == 0 {
			continue
		}
		fmt.Fprintf(d.out, "--- %s\n", svc)
		for _, l := range lines {
			fmt.Fprintf(d.out, "    %s\n", truncateEvidence(l))
		}
	}
	return nil
}
