// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// ProgressSnapshot is the machine-readable bootstrap status written
// after every transition and evidence tick. External tools watch the
// file instead of scraping CLI output.
type ProgressSnapshot struct {
	RunID          string    `json:"run_id"`
	State          string    `json:"state"`
	EnteredAt      time.Time `json:"entered_at"`
	ElapsedInState int64     `json:"elapsed_in_state_ms"`
	Evidence       string    `json:"evidence"`
	Readiness      Readiness `json:"readiness"`
	Migrations     int       `json:"migrations_applied"`
	LastMigration  string    `json:"last_migration,omitempty"`
	BackendPhase   string    `json:"backend_phase"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProgressWriter persists snapshots atomically (temp file + rename) so
// watchers never read a torn write.
type ProgressWriter struct {
	path  string
	runID string
}

// NewProgressWriter returns a writer with a fresh run id.
func NewProgressWriter(path string) *ProgressWriter {
	return &ProgressWriter{path: path, runID: uuid.NewString()}
}

// RunID returns this run's identifier.
func (w *ProgressWriter) RunID() string { return w.runID }

// Write persists one snapshot, stamping the run id and update time.
func (w *ProgressWriter) Write(snap ProgressSnapshot) error {
	snap.RunID = w.runID
	snap.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// StatusRenderer prints bootstrap progress for humans. On a TTY it
// rewrites a single spinner line per tick; on pipes it prints one plain
// line per state change so logs stay readable.
type StatusRenderer struct {
	w         io.Writer
	tty       bool
	frame     int
	lastState string
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewStatusRenderer builds a renderer for w, detecting TTY when w is a
// file.
func NewStatusRenderer(w io.Writer) *StatusRenderer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &StatusRenderer{w: w, tty: tty}
}

// Render draws one progress tick.
func (r *StatusRenderer) Render(snap ProgressSnapshot) {
	if r.tty {
		frame := spinnerFrames[r.frame%len(spinnerFrames)]
		r.frame++
		fmt.Fprintf(r.w, "\r\033[K%s [%s] %s", frame, snap.State, snap.Evidence)
		return
	}
	if snap.State != r.lastState {
		r.lastState = snap.State
		fmt.Fprintf(r.w, "[%s] %s\n", snap.State, snap.Evidence)
	}
}

// Finish terminates the TTY status line.
func (r *StatusRenderer) Finish(message string) {
	if r.tty {
		fmt.Fprintf(r.w, "\r\033[K%s\n", message)
		return
	}
	fmt.Fprintln(r.w, message)
}
