// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidamatic/aida/pkg/logging"
)

// mockTracker records every call so tests can assert on exactly which
// mutations reached the "tracker".
type mockTracker struct {
	mu sync.Mutex

	PostCommentFunc func(ctx context.Context, itemType string, itemID int, text string) error
	StatusIDFunc    func(ctx context.Context, projectID int, itemType, statusName string) (int, error)
	SetStatusFunc   func(ctx context.Context, itemType string, itemID, statusID int) error

	Calls []string
}

func (m *mockTracker) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *mockTracker) PostComment(ctx context.Context, itemType string, itemID int, text string) error {
	m.record(fmt.Sprintf("comment:%s/%d:%s", itemType, itemID, text))
	if m.PostCommentFunc != nil {
		return m.PostCommentFunc(ctx, itemType, itemID, text)
	}
	return nil
}

func (m *mockTracker) StatusID(ctx context.Context, projectID int, itemType, statusName string) (int, error) {
	m.record(fmt.Sprintf("statusid:%d/%s/%s", projectID, itemType, statusName))
	if m.StatusIDFunc != nil {
		return m.StatusIDFunc(ctx, projectID, itemType, statusName)
	}
	return 99, nil
}

func (m *mockTracker) SetStatus(ctx context.Context, itemType string, itemID, statusID int) error {
	m.record(fmt.Sprintf("setstatus:%s/%d:%d", itemType, itemID, statusID))
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, itemType, itemID, statusID)
	}
	return nil
}

var _ TrackerClient = (*mockTracker)(nil)

type workerFixture struct {
	store   *Store
	worker  *Worker
	tracker *mockTracker
	state   string
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "outbox"))
	statePath := filepath.Join(root, "sync", "state.json")
	mapPath := filepath.Join(root, "status-map.json")
	require.NoError(t, EnsureDefaultStatusMap(mapPath))

	tracker := &mockTracker{}
	resolve := func(profile string) (TrackerClient, error) { return tracker, nil }
	log := logging.New(logging.Config{Quiet: true})

	return &workerFixture{
		store:   store,
		worker:  NewWorker(store, statePath, mapPath, resolve, log),
		tracker: tracker,
		state:   statePath,
	}
}

func (f *workerFixture) write(t *testing.T, ev Event) Record {
	t.Helper()
	rec, err := f.store.Write(ev)
	require.NoError(t, err)
	return rec
}

func statusEvent(ts time.Time, to string) Event {
	ev := testEvent(ts, "")
	ev.Type = EventStatus
	ev.Payload = Payload{To: to}
	return ev
}

func TestSyncAppliesCommentAndStatus(t *testing.T) {
	f := newWorkerFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.write(t, testEvent(base, "first pass done"))
	f.write(t, statusEvent(base.Add(time.Minute), "review"))

	res, err := f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{
		"comment:issue/42:first pass done",
		"statusid:7/issue/Ready for test",
		"setstatus:issue/42:99",
	}, f.tracker.Calls)
}

func TestSyncSkipsProcessedWithoutAPICalls(t *testing.T) {
	f := newWorkerFixture(t)
	rec := f.write(t, testEvent(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "already done"))

	st, err := LoadState(f.state)
	require.NoError(t, err)
	st.MarkProcessed(rec.ID)
	require.NoError(t, st.Save(f.state))

	res, err := f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, res.Errors)
	assert.Empty(t, f.tracker.Calls, "processed events must not touch the tracker")
}

func TestSyncIsolatesPerEventErrors(t *testing.T) {
	f := newWorkerFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.write(t, testEvent(base, "will fail"))
	f.write(t, testEvent(base.Add(time.Minute), "will succeed"))

	f.tracker.PostCommentFunc = func(ctx context.Context, itemType string, itemID int, text string) error {
		if text == "will fail" {
			return errors.New("tracker 500")
		}
		return nil
	}

	res, err := f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "tracker 500")

	// Second run: the succeeded event is skipped, the failed one retried.
	f.tracker.Calls = nil
	f.tracker.PostCommentFunc = nil
	res, err = f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"comment:issue/42:will fail"}, f.tracker.Calls)
}

func TestSyncMissingItemSnapshotIsPermanentError(t *testing.T) {
	f := newWorkerFixture(t)
	ev := testEvent(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "orphan")
	ev.Item = nil
	f.write(t, ev)

	res, err := f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "no item snapshot")
	assert.Empty(t, f.tracker.Calls)
}

func TestSyncMissingMappingIsRecoverable(t *testing.T) {
	f := newWorkerFixture(t)
	f.write(t, statusEvent(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "nonexistent_state"))

	res, err := f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "no status mapping")
	assert.Empty(t, f.tracker.Calls)

	// Once the mapping exists the same event applies cleanly.
	m, err := LoadStatusMap(filepath.Join(filepath.Dir(f.state), "..", "status-map.json"))
	require.NoError(t, err)
	m["issue"]["nonexistent_state"] = "Somewhere"
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(f.state), "..", "status-map.json"), data, 0o644))

	res, err = f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestDryRunSurfacesSameErrorsWithoutMutations(t *testing.T) {
	f := newWorkerFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.write(t, testEvent(base, "pending comment"))
	f.write(t, statusEvent(base.Add(time.Minute), "unmapped_status"))

	res, err := f.worker.Sync(context.Background(), true, 0)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "no status mapping")
	assert.Empty(t, f.tracker.Calls, "dry run must not mutate the tracker")

	// Dry run leaves the ledger untouched.
	st, err := LoadState(f.state)
	require.NoError(t, err)
	assert.Empty(t, st.Processed)
}

func TestSyncPersistsStateOncePerBatch(t *testing.T) {
	f := newWorkerFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := f.write(t, testEvent(base, "a"))
	b := f.write(t, testEvent(base.Add(time.Minute), "b"))

	_, err := f.worker.Sync(context.Background(), false, 0)
	require.NoError(t, err)

	st, err := LoadState(f.state)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, st.Processed)
	assert.True(t, st.IsProcessed(a.ID))
	assert.True(t, st.IsProcessed(b.ID))
}

func TestSyncHonorsLimit(t *testing.T) {
	f := newWorkerFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.write(t, testEvent(base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("msg %d", i)))
	}

	res, err := f.worker.Sync(context.Background(), false, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	// Oldest events go first.
	assert.Equal(t, []string{"comment:issue/42:msg 0", "comment:issue/42:msg 1"}, f.tracker.Calls)
}

func TestSyncResolverFailureIsPerEvent(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "outbox"))
	statePath := filepath.Join(root, "sync", "state.json")
	mapPath := filepath.Join(root, "status-map.json")
	require.NoError(t, EnsureDefaultStatusMap(mapPath))

	resolve := func(profile string) (TrackerClient, error) {
		return nil, fmt.Errorf("unknown identity profile %q", profile)
	}
	w := NewWorker(store, statePath, mapPath, resolve, logging.New(logging.Config{Quiet: true}))

	_, err := store.Write(testEvent(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "who am i"))
	require.NoError(t, err)

	res, err := w.Sync(context.Background(), false, 0)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "unknown identity profile")
}
