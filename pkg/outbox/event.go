// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package outbox implements the write-ahead queue between local commands
// and the tracker API. Commands append events as individual JSON files;
// the sync worker later replays them against the tracker, keeping a
// persistent ledger of what has already been applied.
package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates outbox payloads.
type EventType string

const (
	// EventComment posts free-form text on the snapshotted work item.
	EventComment EventType = "comment"

	// EventStatus moves the snapshotted work item to a new status. The
	// payload carries a generic status name resolved through the status
	// map at sync time.
	EventStatus EventType = "status"
)

// ItemSnapshot captures the targeted work item at enqueue time so the
// sync worker does not depend on the assignment file still pointing at
// the same item.
type ItemSnapshot struct {
	Type    string `json:"type"`
	ID      int    `json:"id"`
	Ref     *int   `json:"ref"`
	Subject string `json:"subject"`
}

// Payload carries the type-specific fields of an event. Text is set for
// comment events, To for status events.
type Payload struct {
	Text string `json:"text,omitempty"`
	To   string `json:"to,omitempty"`
}

// Event is a single pending tracker mutation.
type Event struct {
	Type      EventType     `json:"type"`
	ProjectID int           `json:"project_id"`
	Slug      string        `json:"slug,omitempty"`
	Name      string        `json:"name,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   Payload       `json:"payload"`
	Item      *ItemSnapshot `json:"item"`
	Profile   string        `json:"profile"`
}

// Record is an event as stored on disk, identified by its content hash.
type Record struct {
	Event

	// ID is the hex SHA-256 of the event's canonical JSON form.
	ID string `json:"-"`

	// File is the absolute path of the backing file.
	File string `json:"-"`
}

// ContentID computes the event's content hash: the SHA-256 of its
// canonical JSON encoding (object keys sorted). Two events that encode
// to the same canonical bytes share an id; the store treats the second
// write as a no-op. Callers that need rapid identical submissions to
// land as separate events must vary the timestamp.
func (e Event) ContentID() (string, error) {
	canon, err := canonicalJSON(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON produces a deterministic encoding by round-tripping
// through map[string]any: encoding/json emits map keys in sorted order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
