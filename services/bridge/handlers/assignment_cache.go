// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/aidamatic/aida/pkg/assignment"
)

// AssignmentCache serves the current assignment without re-reading the
// file on every request. The CLI writes assignment.json from a separate
// process, so the cache invalidates on filesystem events; when the
// watcher cannot be established it degrades to reading the file each
// time.
type AssignmentCache struct {
	path string

	mu      sync.RWMutex
	current *assignment.Assignment
	loaded  bool

	watcher *fsnotify.Watcher
}

// NewAssignmentCache builds a cache over path and starts the watcher.
func NewAssignmentCache(path string, log *slog.Logger) *AssignmentCache {
	c := &AssignmentCache{path: path}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		if log != nil {
			log.Warn("assignment watcher unavailable, falling back to per-request reads", "error", err)
		}
		return c
	}
	// Watch the directory: editors and the CLI replace the file via
	// rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		if log != nil {
			log.Warn("assignment watch failed", "dir", filepath.Dir(path), "error", err)
		}
		w.Close()
		return c
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(path) {
					c.invalidate()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return c
}

// Close stops the watcher.
func (c *AssignmentCache) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *AssignmentCache) invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// Current returns the cached assignment, reloading when invalidated.
// Without a watcher every call reads the file.
func (c *AssignmentCache) Current() (*assignment.Assignment, error) {
	if c.watcher != nil {
		c.mu.RLock()
		if c.loaded {
			a := c.current
			c.mu.RUnlock()
			return a, nil
		}
		c.mu.RUnlock()
	}

	a, err := assignment.Load(c.path)
	if err != nil {
		return nil, err
	}
	if c.watcher != nil {
		c.mu.Lock()
		c.current = a
		c.loaded = true
		c.mu.Unlock()
	}
	return a, nil
}
