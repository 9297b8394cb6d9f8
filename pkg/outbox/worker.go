// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/aidamatic/aida/pkg/logging"
)

// TrackerClient is the slice of the tracker API the worker needs.
//
// # Description
//
// The worker never talks HTTP directly; it dispatches through this
// interface so tests can run batches against recorded fakes and so the
// acting identity (token) is fixed by whoever resolved the client.
type TrackerClient interface {
	// PostComment appends a comment to a work item.
	PostComment(ctx context.Context, itemType string, itemID int, text string) error

	// StatusID resolves a status display name to its project-specific id.
	StatusID(ctx context.Context, projectID int, itemType, statusName string) (int, error)

	// SetStatus moves a work item to the given status id.
	SetStatus(ctx context.Context, itemType string, itemID, statusID int) error
}

// ClientResolver returns an authenticated client acting as the named
// identity profile. An empty profile selects the default identity.
type ClientResolver func(profile string) (TrackerClient, error)

// Result summarizes one sync batch.
type Result struct {
	Processed int         `json:"processed"`
	Errors    []SyncError `json:"errors"`
	DryRun    bool        `json:"dry_run"`
}

// Worker drains the outbox against the tracker.
//
// Not safe for concurrent batches: two workers over the same ledger can
// both apply an event and both write the state file. Callers serialize,
// which the bridge does by running sync on a single handler path.
type Worker struct {
	store     *Store
	statePath string
	mapPath   string
	resolve   ClientResolver
	log       *logging.Logger
}

// NewWorker wires a worker over the store, the sync ledger path, the
// status map path, and an identity resolver.
func NewWorker(store *Store, statePath, mapPath string, resolve ClientResolver, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default("sync")
	}
	return &Worker{store: store, statePath: statePath, mapPath: mapPath, resolve: resolve, log: log}
}

// Sync replays pending events in chronological order.
//
// # Description
//
// Events already present in the persisted processed set are skipped.
// Each remaining event is dispatched on its own; a failure is recorded
// as {file, error} and the batch continues. The ledger is written back
// once at the end of the batch, so a crash mid-batch may replay events
// on the next run.
//
// In dry-run mode identity and status-map resolution still run (so
// configuration errors surface), but no tracker mutation is issued and
// the processed set is left untouched.
//
// limit <= 0 processes the whole queue.
func (w *Worker) Sync(ctx context.Context, dryRun bool, limit int) (Result, error) {
	res := Result{DryRun: dryRun}

	state, err := LoadState(w.statePath)
	if err != nil {
		return res, err
	}
	statusMap, err := LoadStatusMap(w.mapPath)
	if err != nil {
		return res, err
	}

	recs, bad, err := w.store.Pending(limit)
	if err != nil {
		return res, err
	}
	for _, b := range bad {
		w.log.Warn("skipping unreadable outbox file", "file", b.File, "error", b.Error)
		res.Errors = append(res.Errors, b)
		if !dryRun {
			state.RecordError(b.File, errors.New(b.Error))
		}
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if state.IsProcessed(rec.ID) {
			continue
		}

		if err := w.apply(ctx, rec, statusMap, dryRun); err != nil {
			w.log.Warn("outbox event failed", "file", rec.File, "type", rec.Type, "error", err)
			res.Errors = append(res.Errors, SyncError{File: rec.File, Error: err.Error()})
			if !dryRun {
				state.RecordError(rec.File, err)
			}
			continue
		}

		res.Processed++
		if !dryRun {
			state.MarkProcessed(rec.ID)
		}
	}

	if !dryRun {
		if err := state.Save(w.statePath); err != nil {
			return res, err
		}
	}

	w.log.Info("sync batch finished",
		"processed", res.Processed, "errors", len(res.Errors), "dry_run", dryRun)
	return res, nil
}

// apply dispatches a single event. Mapping and identity resolution run
// even in dry-run mode; only the remote calls are skipped.
func (w *Worker) apply(ctx context.Context, rec Record, statusMap StatusMap, dryRun bool) error {
	if rec.Item == nil {
		return fmt.Errorf("event has no item snapshot")
	}

	client, err := w.resolve(rec.Profile)
	if err != nil {
		return fmt.Errorf("resolve identity %q: %w", rec.Profile, err)
	}

	switch rec.Type {
	case EventComment:
		if rec.Payload.Text == "" {
			return fmt.Errorf("comment event has empty text")
		}
		if dryRun {
			return nil
		}
		return client.PostComment(ctx, rec.Item.Type, rec.Item.ID, rec.Payload.Text)

	case EventStatus:
		name, ok := statusMap.Resolve(rec.Item.Type, rec.Payload.To)
		if !ok {
			return fmt.Errorf("no status mapping for %s/%s", rec.Item.Type, rec.Payload.To)
		}
		if dryRun {
			return nil
		}
		statusID, err := client.StatusID(ctx, rec.ProjectID, rec.Item.Type, name)
		if err != nil {
			return fmt.Errorf("resolve status %q: %w", name, err)
		}
		return client.SetStatus(ctx, rec.Item.Type, rec.Item.ID, statusID)

	default:
		return fmt.Errorf("unknown event type %q", rec.Type)
	}
}
