// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assignment persists the currently selected project and work
// item. Commands write it, the bridge reads it; both sides tolerate the
// file being absent.
package assignment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aidamatic/aida/pkg/outbox"
)

// Assignment is the selection written by `aida task select`.
type Assignment struct {
	ProjectID  int    `json:"project_id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	BaseURL    string `json:"base_url,omitempty"`
	SelectedAt string `json:"selected_at"`

	ItemType    string `json:"item_type,omitempty"`
	ItemID      int    `json:"item_id,omitempty"`
	ItemRef     *int   `json:"item_ref,omitempty"`
	ItemSubject string `json:"item_subject,omitempty"`
}

// Load reads the assignment at path. No selection yields (nil, nil).
func Load(path string) (*Assignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read assignment: %w", err)
	}
	var a Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse assignment %s: %w", path, err)
	}
	return &a, nil
}

// Save writes the assignment, stamping SelectedAt when unset.
func Save(path string, a Assignment) error {
	if a.SelectedAt == "" {
		a.SelectedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create assignment dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write assignment: %w", err)
	}
	return nil
}

// Item returns the selected work item as an outbox snapshot, or nil
// when only a project is selected.
func (a *Assignment) Item() *outbox.ItemSnapshot {
	if a == nil || a.ItemID == 0 {
		return nil
	}
	return &outbox.ItemSnapshot{
		Type:    a.ItemType,
		ID:      a.ItemID,
		Ref:     a.ItemRef,
		Subject: a.ItemSubject,
	}
}
