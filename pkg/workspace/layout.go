// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workspace resolves the per-checkout data directory that every
// other component reads and writes. The toolkit is single-tenant: one
// data root per working copy, no global state.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvDataDir overrides the data root location when set.
	EnvDataDir = "AIDA_DATA_DIR"

	// DefaultDirName is the data root directory created relative to the
	// current working directory when no override is present.
	DefaultDirName = ".aida"
)

// Layout holds the resolved data root and derives every well-known path
// beneath it. The zero value is not usable; obtain one via Resolve or At.
type Layout struct {
	Root string
}

// Resolve returns the layout for the current process: the EnvDataDir
// environment variable if set, otherwise DefaultDirName relative to the
// working directory.
func Resolve() Layout {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return Layout{Root: dir}
	}
	return Layout{Root: DefaultDirName}
}

// At returns a layout rooted at an explicit directory. Used by tests and
// by callers that already resolved the root through configuration.
func At(root string) Layout {
	return Layout{Root: root}
}

// EnsureRoot creates the data root and its fixed subdirectories.
func (l Layout) EnsureRoot() error {
	for _, dir := range []string{l.Root, l.OutboxDir(), l.SyncDir(), l.DocsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return nil
}

// OutboxDir holds one JSON file per pending tracker mutation.
func (l Layout) OutboxDir() string { return filepath.Join(l.Root, "outbox") }

// SyncDir holds the sync worker ledger.
func (l Layout) SyncDir() string { return filepath.Join(l.Root, "sync") }

// SyncStateFile is the persisted processed/errors ledger.
func (l Layout) SyncStateFile() string { return filepath.Join(l.SyncDir(), "state.json") }

// StatusMapFile maps generic status names to tracker display names,
// keyed by item type.
func (l Layout) StatusMapFile() string { return filepath.Join(l.Root, "status-map.json") }

// AssignmentFile records the currently selected project and work item.
func (l Layout) AssignmentFile() string { return filepath.Join(l.Root, "assignment.json") }

// IdentitiesFile holds the identity profiles used against the tracker.
func (l Layout) IdentitiesFile() string { return filepath.Join(l.Root, "identities.json") }

// DocsDir stores uploaded document payloads.
func (l Layout) DocsDir() string { return filepath.Join(l.Root, "docs") }

// DocsIndexFile is the append-only document index.
func (l Layout) DocsIndexFile() string { return filepath.Join(l.Root, "docs.jsonl") }

// ChatFile is the append-only chat thread.
func (l Layout) ChatFile() string { return filepath.Join(l.Root, "chat.jsonl") }

// BootstrapLogFile is the unified bootstrap log.
func (l Layout) BootstrapLogFile() string { return filepath.Join(l.Root, "bootstrap-start.log") }

// ProgressFile is the machine-readable bootstrap progress snapshot.
func (l Layout) ProgressFile() string { return filepath.Join(l.Root, "progress.json") }

// BridgePIDFile records the pid of a background bridge process.
func (l Layout) BridgePIDFile() string { return filepath.Join(l.Root, "bridge.pid") }

// BridgeLogFile receives stdout/stderr of a background bridge process.
func (l Layout) BridgeLogFile() string { return filepath.Join(l.Root, "bridge.log") }
