// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aidamatic/aida/pkg/assignment"
	"github.com/aidamatic/aida/pkg/outbox"
	"github.com/aidamatic/aida/pkg/taiga"
)

// TaskCurrent returns the selected assignment, or 404 when nothing is
// selected.
func TaskCurrent(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := deps.Assignments.Current()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if a == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no assignment selected"})
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

// CommentRequest is the /task/comment body.
type CommentRequest struct {
	Text string `json:"text" binding:"required"`
}

// TaskComment enqueues a comment on the selected item. The mutation is
// written to the outbox, never sent inline: the tracker may be down and
// the command must still succeed.
func TaskComment(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := requireProfile(c)
		if !ok {
			return
		}
		a, ok := requireItem(c, deps)
		if !ok {
			return
		}

		var req CommentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := writeEvent(deps, outbox.Event{
			Type:      outbox.EventComment,
			ProjectID: a.ProjectID,
			Slug:      a.Slug,
			Name:      a.Name,
			Timestamp: time.Now().UTC(),
			Payload:   outbox.Payload{Text: req.Text},
			Item:      a.Item(),
			Profile:   profile,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, recordBody(rec))
	}
}

// StatusRequest is the /task/status body. To is a generic status name
// resolved through the status map at sync time.
type StatusRequest struct {
	To string `json:"to" binding:"required"`
}

// TaskStatus enqueues a status change on the selected item.
func TaskStatus(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := requireProfile(c)
		if !ok {
			return
		}
		a, ok := requireItem(c, deps)
		if !ok {
			return
		}

		var req StatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := writeEvent(deps, outbox.Event{
			Type:      outbox.EventStatus,
			ProjectID: a.ProjectID,
			Slug:      a.Slug,
			Name:      a.Name,
			Timestamp: time.Now().UTC(),
			Payload:   outbox.Payload{To: req.To},
			Item:      a.Item(),
			Profile:   profile,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, recordBody(rec))
	}
}

// TaskNext suggests the next work item in the selected project: open
// items only, those assigned to the caller first, then unassigned,
// ordered by (priority, created date).
func TaskNext(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := requireProfile(c)
		if !ok {
			return
		}
		a, ok := requireAssignment(c, deps)
		if !ok {
			return
		}

		itemType := c.DefaultQuery("item_type", "issue")
		switch itemType {
		case "issue", "userstory", "task":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported item_type %q", itemType)})
			return
		}

		client, err := deps.ClientFor(profile)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		me, err := client.Me(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		items, err := client.Items(c.Request.Context(), a.ProjectID, itemType)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		candidates := rankNextItems(items, me.ID)
		if len(candidates) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open items"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"item": candidates[0], "item_type": itemType, "candidates": len(candidates)})
	}
}

// rankNextItems filters to open items and orders them: caller's items,
// then unassigned, then the rest; ties by priority then creation date.
func rankNextItems(items []taiga.Item, callerID int) []taiga.Item {
	var open []taiga.Item
	for _, it := range items {
		if it.StatusExtraInfo != nil && it.StatusExtraInfo.IsClosed {
			continue
		}
		open = append(open, it)
	}

	class := func(it taiga.Item) int {
		switch {
		case it.AssignedTo != nil && *it.AssignedTo == callerID:
			return 0
		case it.AssignedTo == nil:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if ci, cj := class(open[i]), class(open[j]); ci != cj {
			return ci < cj
		}
		if open[i].Priority != open[j].Priority {
			return open[i].Priority < open[j].Priority
		}
		return open[i].CreatedDate < open[j].CreatedDate
	})
	return open
}

// TaskHistory lists recent outbox records, newest first. Unparsable
// files are skipped by the store; history stays available regardless.
func TaskHistory(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		recs, err := deps.Store.List(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]gin.H, 0, len(recs))
		for _, r := range recs {
			out = append(out, recordBody(r))
		}
		c.JSON(http.StatusOK, gin.H{"events": out})
	}
}

// requireAssignment aborts with 409 when no project is selected.
func requireAssignment(c *gin.Context, deps Deps) (*assignment.Assignment, bool) {
	a, err := deps.Assignments.Current()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if a == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no assignment selected; run `aida task select` first"})
		return nil, false
	}
	return a, true
}

// requireItem additionally demands a selected work item.
func requireItem(c *gin.Context, deps Deps) (*assignment.Assignment, bool) {
	a, ok := requireAssignment(c, deps)
	if !ok {
		return nil, false
	}
	if a.Item() == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "assignment has no work item selected"})
		return nil, false
	}
	return a, true
}

// recordBody is the wire shape of one outbox record, shared by the
// write endpoints and history.
func recordBody(r outbox.Record) gin.H {
	return gin.H{
		"id":        r.ID,
		"type":      r.Type,
		"timestamp": r.Timestamp,
		"payload":   r.Payload,
		"item":      r.Item,
		"profile":   r.Profile,
	}
}

func writeEvent(deps Deps, ev outbox.Event) (outbox.Record, error) {
	rec, err := deps.Store.Write(ev)
	if err != nil {
		slog.Error("outbox write failed", "type", ev.Type, "error", err)
		return rec, err
	}
	outboxWritesTotal.WithLabelValues(string(ev.Type)).Inc()
	slog.Info("outbox event queued", "type", ev.Type, "id", rec.ID, "profile", ev.Profile)
	return rec, nil
}
