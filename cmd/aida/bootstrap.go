// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aidamatic/aida/cmd/aida/config"
	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/outbox"
	"github.com/aidamatic/aida/pkg/workspace"
)

// Bootstrap states. Transitions are strictly forward; a failed phase
// never falls back to an earlier one.
const (
	StateInit            = "Init"
	StateReset           = "Reset"
	StateInfraHealth     = "InfraHealth"
	StateBackendStarting = "BackendStarting"
	StateGateway         = "Gateway"
	StateReconcile       = "Reconcile"
	StateBridge          = "Bridge"
	StateDone            = "Done"
	StateFailed          = "Failed"
)

// resetSkipMarker in the reset subprocess output means the reset left
// reconciliation undone; bootstrap must not trust the stack afterwards.
const resetSkipMarker = "reconcile skipped"

// BootstrapOptions are the per-invocation knobs of `aida up`.
type BootstrapOptions struct {
	Reset   bool
	Timeout time.Duration
}

// Orchestrator drives the stack from cold start to fully reconciled.
//
// # Description
//
// One Run walks the state machine Init → [Reset] → InfraHealth →
// BackendStarting → Gateway → Reconcile → Bridge → Done, writing a
// progress snapshot after every transition and evidence tick. All
// timing inputs are plain fields so tests can shrink minutes to
// milliseconds.
type Orchestrator struct {
	cfg       config.Config
	layout    workspace.Layout
	proc      ProcessManager
	inspector ClusterInspector
	checker   *ReadinessChecker
	analyzer  *LogAnalyzer
	tailer    *LogTailer
	progress  *ProgressWriter
	renderer  *StatusRenderer
	log       *logging.Logger

	// reconcile performs identity and project reconciliation once the
	// API answers. Injected so orchestration tests need no tracker.
	reconcile func(ctx context.Context) error

	// ensureBridge makes sure a bridge process is running, without
	// waiting for it to become healthy.
	ensureBridge func(ctx context.Context) error

	// Timing knobs, copied from config by newOrchestrator.
	deadlineIn   time.Duration
	infraSoftCap time.Duration
	stallWindow  time.Duration
	stallCPU     float64
	backendPort  int
	tick         time.Duration

	resetRequested bool
	resetCommand   []string

	// Run-scoped state.
	state       string
	enteredAt   time.Time
	deadline    time.Time
	logSink     *os.File
	lastGateway int
}

// newOrchestrator wires the production orchestrator.
func newOrchestrator(cfg config.Config, layout workspace.Layout, proc ProcessManager,
	inspector ClusterInspector, checker *ReadinessChecker, analyzer *LogAnalyzer,
	tailer *LogTailer, opts BootstrapOptions, log *logging.Logger) *Orchestrator {

	deadline := cfg.Bootstrap.Timeout()
	if opts.Timeout > 0 {
		deadline = opts.Timeout
	}
	return &Orchestrator{
		cfg:            cfg,
		layout:         layout,
		proc:           proc,
		inspector:      inspector,
		checker:        checker,
		analyzer:       analyzer,
		tailer:         tailer,
		progress:       NewProgressWriter(layout.ProgressFile()),
		renderer:       NewStatusRenderer(os.Stdout),
		log:            log,
		deadlineIn:     deadline,
		infraSoftCap:   cfg.Bootstrap.InfraSoftCap(),
		stallWindow:    cfg.Bootstrap.StallWindow(),
		stallCPU:       cfg.Bootstrap.StallCPUPercent,
		backendPort:    cfg.Bootstrap.BackendPort,
		tick:           2 * time.Second,
		resetRequested: opts.Reset,
		resetCommand:   cfg.Bootstrap.ResetCommand,
	}
}

// Run executes the bootstrap and returns the process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	err := o.run(ctx)
	if err == nil {
		o.transition(StateDone, "stack ready")
		o.renderer.Finish("✓ stack ready")
		return ExitOK
	}

	o.transition(StateFailed, err.Error())
	o.renderer.Finish("✗ " + err.Error())
	o.log.Error("bootstrap failed", "state", o.state, "error", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitInternal
}

func (o *Orchestrator) run(ctx context.Context) error {
	// ---- Init ----
	o.transition(StateInit, "checking prerequisites")

	if _, err := os.Stat(o.cfg.Compose.File); err != nil {
		return exitWith(ExitComposeMissing, fmt.Errorf("compose file %s not found", o.cfg.Compose.File))
	}
	if err := o.layout.EnsureRoot(); err != nil {
		return err
	}
	if err := outbox.EnsureDefaultStatusMap(o.layout.StatusMapFile()); err != nil {
		return err
	}

	sink, err := os.OpenFile(o.layout.BootstrapLogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open bootstrap log: %w", err)
	}
	o.logSink = sink
	defer sink.Close()

	o.deadline = time.Now().Add(o.deadlineIn)
	ctx, cancel := context.WithDeadline(ctx, o.deadline)
	defer cancel()

	// Background evidence collection. The tailer goroutines exit on
	// context cancellation only, so cancel must run before Wait.
	bg, bgCtx := errgroup.WithContext(ctx)
	if o.tailer != nil {
		bg.Go(func() error { return o.tailer.Run(bgCtx) })
		bg.Go(func() error { return o.tailer.PollLastLines(bgCtx) })
		defer func() {
			cancel()
			bg.Wait() //nolint:errcheck // tailer goroutines only return nil
		}()
	}

	// ---- Reset ----
	if o.resetRequested {
		o.transition(StateReset, "running destructive reset")
		if err := o.runReset(ctx); err != nil {
			return err
		}
	}

	// ---- Start the stack ----
	o.transition(StateInfraHealth, "starting compose stack")
	if _, _, err := o.proc.Run(ctx, "docker", "compose", "-f", o.cfg.Compose.File, "up", "-d"); err != nil {
		return fmt.Errorf("compose up: %w", err)
	}

	if err := o.waitInfra(ctx); err != nil {
		return err
	}

	o.transition(StateBackendStarting, "waiting for backend port")
	if err := o.waitBackend(ctx); err != nil {
		return err
	}

	o.transition(StateGateway, "waiting for gateway root")
	if err := o.waitGateway(ctx); err != nil {
		return err
	}

	o.transition(StateReconcile, "waiting for API, reconciling identities")
	if err := o.waitReconcile(ctx); err != nil {
		return err
	}

	o.transition(StateBridge, "waiting for bridge health")
	if err := o.waitBridge(ctx); err != nil {
		return err
	}
	return nil
}

// runReset executes the reset subprocess with its output pumped into
// the unified bootstrap log, watching for the reconcile-skipped
// warning.
func (o *Orchestrator) runReset(ctx context.Context) error {
	if len(o.resetCommand) == 0 {
		return exitWith(ExitResetFailed, errors.New("no reset command configured"))
	}

	out, wait, err := o.proc.Stream(ctx, o.resetCommand[0], o.resetCommand[1:]...)
	if err != nil {
		return exitWith(ExitResetFailed, fmt.Errorf("start reset: %w", err))
	}
	defer out.Close()

	skipSeen := false
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		if o.logSink != nil {
			fmt.Fprintln(o.logSink, "[reset] "+line)
		}
		if strings.Contains(strings.ToLower(line), resetSkipMarker) {
			skipSeen = true
		}
		o.tickEvidence("reset: " + line)
	}

	if err := wait(); err != nil {
		return exitWith(ExitResetFailed, fmt.Errorf("reset subprocess failed: %w", err))
	}
	if skipSeen {
		return exitWith(ExitResetReconcileSkipped,
			errors.New("reset completed but skipped reconciliation; stack state is not trustworthy"))
	}
	return nil
}

// waitInfra polls infra container health up to the soft cap, then
// proceeds with health flagged unknown rather than failing: a missing
// healthcheck must not block a working stack.
func (o *Orchestrator) waitInfra(ctx context.Context) error {
	services := o.cfg.Compose.Services.Infra()
	capAt := time.Now().Add(o.infraSoftCap)

	for {
		pending := make([]string, 0, len(services))
		for _, svc := range services {
			status, err := o.inspector.ServiceHealth(ctx, svc)
			if err != nil {
				status = HealthUnknown
			}
			if status != HealthHealthy && status != HealthNone {
				pending = append(pending, svc+"="+status)
			}
		}
		if len(pending) == 0 {
			o.tickEvidence("infra healthy")
			return nil
		}
		if time.Now().After(capAt) {
			o.log.Warn("infra health soft cap reached, proceeding", "pending", pending)
			o.tickEvidence("infra health unknown after soft cap: " + strings.Join(pending, " "))
			return nil
		}

		o.tickEvidence("waiting for " + strings.Join(pending, " "))
		if !sleepWithContext(ctx, o.tick) {
			return ctx.Err()
		}
	}
}

// waitBackend waits for the backend's internal port to accept
// connections. The stall rule aborts only when BOTH hold over the
// stall window: no backend log activity AND CPU below the floor.
// Either signal alone is normal (long silent migrations burn CPU;
// chatty idling does not).
func (o *Orchestrator) waitBackend(ctx context.Context) error {
	backend := o.cfg.Compose.Services.Backend
	phaseStart := time.Now()
	var lowCPUSince time.Time

	for {
		open, err := o.inspector.PortOpen(ctx, backend, o.backendPort)
		if err == nil && open {
			o.tickEvidence("backend port open")
			return nil
		}

		snap := AnalyzerSnapshot{Phase: PhaseWaiting}
		if o.analyzer != nil {
			snap = o.analyzer.Snapshot()
		}
		lastActivity := snap.LastActivity
		if lastActivity.IsZero() {
			lastActivity = phaseStart
		}
		logsStale := time.Since(lastActivity) > o.stallWindow

		cpu, cpuErr := o.inspector.CPUPercent(ctx, backend)
		if cpuErr == nil && cpu < o.stallCPU {
			if lowCPUSince.IsZero() {
				lowCPUSince = time.Now()
			}
		} else {
			lowCPUSince = time.Time{}
		}
		cpuIdle := !lowCPUSince.IsZero() && time.Since(lowCPUSince) >= o.stallWindow

		if logsStale && cpuIdle {
			return exitWith(ExitBackendStalled, fmt.Errorf(
				"backend stalled: no log activity for %s and cpu below %.1f%%",
				time.Since(lastActivity).Round(time.Second), o.stallCPU))
		}

		evidence := fmt.Sprintf("backend %s, %d migrations", snap.Phase, snap.MigrationsApplied)
		if snap.LastMigration != "" {
			evidence += ", last " + snap.LastMigration
		}
		if o.tailer != nil {
			if line := latestLine(o.tailer.Lines()); line != "" {
				evidence = truncateEvidence(line)
			}
		}
		o.tickEvidence(evidence)

		if time.Now().After(o.deadline) {
			return fmt.Errorf("bootstrap deadline exceeded while backend in phase %q", snap.Phase)
		}
		if !sleepWithContext(ctx, o.tick) {
			return ctx.Err()
		}
	}
}

// waitGateway polls the gateway root with adaptive backoff until 200.
func (o *Orchestrator) waitGateway(ctx context.Context) error {
	backoff := NewBackoff()
	for {
		status, ok := o.checker.RootStatus(ctx)
		o.lastGateway = status
		if ok {
			o.tickEvidence("gateway root 200")
			return nil
		}
		backoff.Observe(status, false)
		o.tickEvidence(fmt.Sprintf("gateway root status %d", status))

		if time.Now().After(o.deadline) {
			return exitWith(ExitGatewayTimeout,
				fmt.Errorf("gateway never ready, last observed status %d", status))
		}
		if !sleepWithContext(ctx, backoff.Next()) {
			return exitWith(ExitGatewayTimeout,
				fmt.Errorf("gateway never ready, last observed status %d", status))
		}
	}
}

// waitReconcile waits for the API to answer acceptably, then runs
// identity and project reconciliation.
func (o *Orchestrator) waitReconcile(ctx context.Context) error {
	backoff := NewBackoff()
	for {
		status, ok := o.checker.APIStatus(ctx)
		if ok {
			break
		}
		backoff.Observe(status, false)
		o.tickEvidence(fmt.Sprintf("api status %d", status))

		if time.Now().After(o.deadline) {
			return exitWith(ExitReconcileFailed,
				fmt.Errorf("api never acceptable, last observed status %d", status))
		}
		if !sleepWithContext(ctx, backoff.Next()) {
			return exitWith(ExitReconcileFailed,
				fmt.Errorf("api never acceptable, last observed status %d", status))
		}
	}

	if o.reconcile != nil {
		if err := o.reconcile(ctx); err != nil {
			return exitWith(ExitReconcileFailed, fmt.Errorf("identity reconciliation: %w", err))
		}
	}
	o.tickEvidence("identities reconciled")
	return nil
}

// waitBridge ensures a bridge process exists and waits for its health
// endpoint.
func (o *Orchestrator) waitBridge(ctx context.Context) error {
	if o.ensureBridge != nil {
		if err := o.ensureBridge(ctx); err != nil {
			return exitWith(ExitBridgeTimeout, fmt.Errorf("start bridge: %w", err))
		}
	}

	backoff := NewBackoff()
	for {
		status, ok := o.checker.BridgeStatus(ctx)
		if ok {
			o.tickEvidence("bridge healthy")
			return nil
		}
		backoff.Observe(status, false)
		o.tickEvidence(fmt.Sprintf("bridge status %d", status))

		if time.Now().After(o.deadline) {
			return exitWith(ExitBridgeTimeout, errors.New("bridge never became healthy"))
		}
		if !sleepWithContext(ctx, backoff.Next()) {
			return exitWith(ExitBridgeTimeout, errors.New("bridge never became healthy"))
		}
	}
}

// transition moves the state machine forward and persists a snapshot.
func (o *Orchestrator) transition(state, evidence string) {
	o.state = state
	o.enteredAt = time.Now()
	o.log.Info("state transition", "state", state, "evidence", evidence)
	o.writeSnapshot(evidence)
}

// tickEvidence refreshes the snapshot inside a state.
func (o *Orchestrator) tickEvidence(evidence string) {
	o.writeSnapshot(evidence)
}

func (o *Orchestrator) writeSnapshot(evidence string) {
	snap := ProgressSnapshot{
		State:          o.state,
		EnteredAt:      o.enteredAt,
		ElapsedInState: time.Since(o.enteredAt).Milliseconds(),
		Evidence:       evidence,
	}
	if o.analyzer != nil {
		a := o.analyzer.Snapshot()
		snap.Migrations = a.MigrationsApplied
		snap.LastMigration = a.LastMigration
		snap.BackendPhase = a.Phase
	}
	if o.checker != nil && (o.state == StateDone || o.state == StateFailed) {
		// Full readiness is only sampled at terminal states; per-tick
		// probes already feed the evidence string.
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		snap.Readiness = o.checker.Evaluate(ctx)
		cancel()
	}
	if o.progress != nil {
		if err := o.progress.Write(snap); err != nil {
			o.log.Warn("progress write failed", "error", err)
		}
	}
	if o.renderer != nil {
		o.renderer.Render(snap)
	}
}

// truncateEvidence keeps evidence strings one line and short.
func truncateEvidence(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 120 {
		line = line[:117] + "..."
	}
	return line
}
