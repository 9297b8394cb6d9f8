// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Backend startup phases derived from log lines.
const (
	PhaseWaiting     = "waiting"
	PhaseMigrating   = "applying migrations"
	PhaseStartingAPI = "starting API"
)

var (
	migrationPattern = regexp.MustCompile(`Applying\s+([\w\.]+)`)
	apiStartPattern  = regexp.MustCompile(`(?i)Starting\s+Taiga\s+API|gunicorn|Booting worker`)
)

// AnalyzerSnapshot is a point-in-time copy of the analyzer's counters.
type AnalyzerSnapshot struct {
	MigrationsApplied int
	LastMigration     string
	Phase             string
	LastActivity      time.Time
}

// LogAnalyzer derives display-only startup evidence from backend log
// lines: a migration counter, the last migration name, and a coarse
// phase. It never gates a state transition; the port check does that.
//
// Safe for concurrent use: the tailer and the defensive poller both
// feed it while the bootstrap loop reads snapshots.
type LogAnalyzer struct {
	mu sync.Mutex

	migrations    int
	lastMigration string
	phase         string
	lastActivity  time.Time
	now           func() time.Time
}

// NewLogAnalyzer returns an analyzer in the waiting phase.
func NewLogAnalyzer() *LogAnalyzer {
	return &LogAnalyzer{phase: PhaseWaiting, now: time.Now}
}

// ProcessLine feeds one backend log line into the analyzer. Unmatched
// lines still count as activity for the stall rule.
func (a *LogAnalyzer) ProcessLine(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivity = a.now()

	if m := migrationPattern.FindStringSubmatch(line); m != nil {
		a.migrations++
		// The capture is dot-greedy and swallows the trailing "..."
		// that migration lines carry.
		a.lastMigration = strings.TrimRight(m[1], ".")
		a.phase = PhaseMigrating
		return
	}
	if apiStartPattern.MatchString(line) {
		a.phase = PhaseStartingAPI
	}
}

// Snapshot returns a copy of the current counters.
func (a *LogAnalyzer) Snapshot() AnalyzerSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AnalyzerSnapshot{
		MigrationsApplied: a.migrations,
		LastMigration:     a.lastMigration,
		Phase:             a.phase,
		LastActivity:      a.lastActivity,
	}
}
