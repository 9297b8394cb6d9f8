// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SyncError records a per-event failure without interrupting the batch.
type SyncError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// SyncState is the persisted sync ledger: content ids already applied to
// the tracker plus the errors observed in past runs.
type SyncState struct {
	Processed []string    `json:"processed"`
	Errors    []SyncError `json:"errors"`

	seen map[string]struct{}
}

// LoadState reads the ledger from path. A missing file yields an empty
// ledger; a corrupt file is an error, since silently forgetting the
// processed set would replay every event.
func LoadState(path string) (*SyncState, error) {
	st := &SyncState{seen: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse sync state %s: %w", path, err)
	}
	for _, id := range st.Processed {
		st.seen[id] = struct{}{}
	}
	return st, nil
}

// IsProcessed reports whether a content id is already in the ledger.
func (st *SyncState) IsProcessed(id string) bool {
	_, ok := st.seen[id]
	return ok
}

// MarkProcessed appends a content id, deduplicating.
func (st *SyncState) MarkProcessed(id string) {
	if st.seen == nil {
		st.seen = make(map[string]struct{})
	}
	if _, ok := st.seen[id]; ok {
		return
	}
	st.seen[id] = struct{}{}
	st.Processed = append(st.Processed, id)
}

// RecordError appends a per-event failure.
func (st *SyncState) RecordError(file string, err error) {
	st.Errors = append(st.Errors, SyncError{File: file, Error: err.Error()})
}

// Save writes the ledger to path. The worker calls this once per batch:
// a crash mid-batch loses the marks of that batch, so already-applied
// events may be retried on the next run. Comment retries duplicate the
// comment; status retries are idempotent.
func (st *SyncState) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sync dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}
