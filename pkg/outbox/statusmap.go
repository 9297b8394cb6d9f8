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
)

// StatusMap translates generic status names into tracker display names,
// keyed by item type ("issue", "userstory", "task").
type StatusMap map[string]map[string]string

// DefaultStatusMap matches a stock tracker project's status boards.
func DefaultStatusMap() StatusMap {
	per := map[string]string{
		"in_progress": "In progress",
		"review":      "Ready for test",
		"done":        "Done",
		"blocked":     "Blocked",
	}
	m := StatusMap{}
	for _, itemType := range []string{"issue", "userstory", "task"} {
		entry := make(map[string]string, len(per))
		for k, v := range per {
			entry[k] = v
		}
		m[itemType] = entry
	}
	return m
}

// LoadStatusMap reads the map from path. Missing file yields an empty
// map (every lookup then fails as a recoverable mapping error).
func LoadStatusMap(path string) (StatusMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusMap{}, nil
		}
		return nil, fmt.Errorf("read status map: %w", err)
	}
	var m StatusMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse status map %s: %w", path, err)
	}
	return m, nil
}

// EnsureDefaultStatusMap seeds path with DefaultStatusMap if absent.
func EnsureDefaultStatusMap(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat status map: %w", err)
	}
	data, err := json.MarshalIndent(DefaultStatusMap(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("seed status map: %w", err)
	}
	return nil
}

// Resolve looks up the display name for a generic status on an item
// type. The second return is false when either level is missing.
func (m StatusMap) Resolve(itemType, generic string) (string, bool) {
	per, ok := m[itemType]
	if !ok {
		return "", false
	}
	name, ok := per[generic]
	return name, ok
}
