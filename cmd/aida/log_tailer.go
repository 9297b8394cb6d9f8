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
	"strings"
	"time"

	"github.com/aidamatic/aida/pkg/logging"
)

const (
	// tailerChannelCapacity bounds the republished line buffer. When
	// full, new lines are dropped; evidence is best-effort.
	tailerChannelCapacity = 512

	// tailerSilenceWindow forces a reattach when an attached follow
	// produces no output for this long. Compose log streams have been
	// observed to go quiet without EOF across container restarts.
	tailerSilenceWindow = 5 * time.Second

	// tailerReattachDelay paces reattach attempts.
	tailerReattachDelay = 2 * time.Second

	// pollerInterval paces the defensive last-line poller.
	pollerInterval = 10 * time.Second
)

// LogTailer follows the compose stack's logs in the background and
// republishes lines into a bounded channel. It survives EOF, spawn
// failures, and silent streams by reattaching forever; the consumer
// only ever sees a channel of lines.
type LogTailer struct {
	proc        ProcessManager
	inspector   ClusterInspector
	composeFile string
	services    []string
	analyzer    *LogAnalyzer
	backendName string
	log         *logging.Logger

	lines chan string
}

// NewLogTailer wires a tailer. analyzer may be nil; backendName selects
// which service's lines feed it.
func NewLogTailer(proc ProcessManager, inspector ClusterInspector, composeFile string,
	services []string, backendName string, analyzer *LogAnalyzer, log *logging.Logger) *LogTailer {
	if log == nil {
		log = logging.Default("tailer")
	}
	return &LogTailer{
		proc:        proc,
		inspector:   inspector,
		composeFile: composeFile,
		services:    services,
		analyzer:    analyzer,
		backendName: backendName,
		log:         log,
		lines:       make(chan string, tailerChannelCapacity),
	}
}

// Lines returns the republished line channel.
func (t *LogTailer) Lines() <-chan string { return t.lines }

// Run follows `docker compose logs -f` until ctx is cancelled,
// reattaching on every failure mode. Always returns nil after
// cancellation so it can run under an errgroup without masking the
// real failure.
func (t *LogTailer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		t.followOnce(ctx)
		if !sleepWithContext(ctx, tailerReattachDelay) {
			return nil
		}
	}
}

// followOnce attaches one follow process and pumps lines until EOF,
// error, or a silence window.
func (t *LogTailer) followOnce(ctx context.Context) {
	out, wait, err := t.proc.Stream(ctx, "docker",
		"compose", "-f", t.composeFile, "logs", "-f", "--no-color", "--timestamps", "--since", "0s")
	if err != nil {
		// Runtime likely absent; stay quiet and retry.
		t.log.Debug("log follow spawn failed", "error", err)
		return
	}
	defer out.Close()
	defer wait() //nolint:errcheck

	scanned := make(chan string)
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case scanned <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	silence := time.NewTimer(tailerSilenceWindow)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-scanned:
			if !ok {
				t.log.Debug("log follow ended, reattaching")
				return
			}
			t.publish(line)
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(tailerSilenceWindow)
		case <-silence.C:
			t.log.Debug("log follow silent, reattaching")
			return
		}
	}
}

// PollLastLines is the defensive fallback: every pollerInterval it
// fetches the last line of each named service, so evidence keeps
// flowing even if the follow stream wedges in a way the silence window
// misses. Runs until ctx is cancelled; always returns nil.
func (t *LogTailer) PollLastLines(ctx context.Context) error {
	for {
		if !sleepWithContext(ctx, pollerInterval) {
			return nil
		}
		for _, svc := range t.services {
			lines, err := t.inspector.LastLogLines(ctx, svc, 1)
			if err != nil || len(lines) == 0 {
				continue
			}
			t.publish(svc + " | " + lines[len(lines)-1])
		}
	}
}

// publish feeds the analyzer and offers the line to the channel,
// dropping it when the consumer is behind.
func (t *LogTailer) publish(line string) {
	if t.analyzer != nil && t.backendName != "" && strings.Contains(line, t.backendName) {
		t.analyzer.ProcessLine(line)
	}
	select {
	case t.lines <- line:
	default:
	}
}

// latestLine drains a line channel without blocking, returning the
// newest pending line (empty when none).
func latestLine(ch <-chan string) string {
	var last string
	for {
		select {
		case line := <-ch:
			last = line
		default:
			return last
		}
	}
}
