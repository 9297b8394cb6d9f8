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
	"sort"
	"strings"
)

// stampLayout is the compact UTC timestamp prefix of outbox filenames.
// It contains no '-' so the content id can be split off the tail.
const stampLayout = "20060102T150405.000000000Z"

// Store persists events as one JSON file each under a single directory.
// Filenames are `<stamp>-<content-id>.json`, so lexical order is
// chronological order.
type Store struct {
	dir string
}

// NewStore returns a store over dir. The directory is created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// Write persists the event idempotently. If a file for the same content
// id and timestamp already exists, the existing file wins and its record
// is returned unchanged.
func (s *Store) Write(ev Event) (Record, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create outbox dir: %w", err)
	}

	cid, err := ev.ContentID()
	if err != nil {
		return Record{}, err
	}
	name := ev.Timestamp.UTC().Format(stampLayout) + "-" + cid + ".json"
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("encode event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return s.parseFile(path)
		}
		return Record{}, fmt.Errorf("write outbox file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return Record{}, fmt.Errorf("write outbox file: %w", err)
	}
	return Record{Event: ev, ID: cid, File: path}, nil
}

// List returns up to limit records, newest first. Files that fail to
// parse are skipped so one corrupt entry cannot hide the rest of the
// queue. limit <= 0 means no limit.
func (s *Store) List(limit int) ([]Record, error) {
	paths, err := s.files()
	if err != nil {
		return nil, err
	}

	var out []Record
	for i := len(paths) - 1; i >= 0; i-- {
		rec, err := s.parseFile(paths[i])
		if err != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Pending returns up to limit records in chronological order for the
// sync worker. Unparsable files are returned as per-file errors so the
// worker can record them without halting the batch. limit <= 0 means no
// limit.
func (s *Store) Pending(limit int) ([]Record, []SyncError, error) {
	paths, err := s.files()
	if err != nil {
		return nil, nil, err
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	var recs []Record
	var bad []SyncError
	for _, p := range paths {
		rec, err := s.parseFile(p)
		if err != nil {
			bad = append(bad, SyncError{File: p, Error: err.Error()})
			continue
		}
		recs = append(recs, rec)
	}
	return recs, bad, nil
}

// files lists outbox JSON files sorted ascending (chronological).
func (s *Store) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read outbox dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// parseFile reads one outbox file into a Record, recovering the content
// id from the filename tail.
func (s *Store) parseFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read outbox file: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Record{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if ev.Type != EventComment && ev.Type != EventStatus {
		return Record{}, fmt.Errorf("parse %s: unknown event type %q", filepath.Base(path), ev.Type)
	}

	stem := strings.TrimSuffix(filepath.Base(path), ".json")
	cid := stem
	if i := strings.LastIndex(stem, "-"); i >= 0 {
		cid = stem[i+1:]
	}
	return Record{Event: ev, ID: cid, File: path}, nil
}
