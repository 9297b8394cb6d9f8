// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/aidamatic/aida/pkg/outbox"
)

// syncMu serializes sync batches. The worker is not safe for
// concurrent runs over one ledger.
var syncMu sync.Mutex

// SyncRequest is the /sync/outbox body.
type SyncRequest struct {
	DryRun bool `json:"dry_run"`
	Limit  int  `json:"limit" binding:"omitempty,min=1"`
}

// SyncOutbox runs one sync batch against the tracker.
func SyncOutbox(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		// The query parameter is the documented surface; it wins over
		// the body when both are present.
		if v, ok := c.GetQuery("dry_run"); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "dry_run must be a boolean"})
				return
			}
			req.DryRun = b
		}

		syncMu.Lock()
		res, err := deps.Worker.Sync(c.Request.Context(), req.DryRun, req.Limit)
		syncMu.Unlock()
		if err != nil {
			slog.Error("sync batch failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if !res.DryRun {
			syncProcessedTotal.Add(float64(res.Processed))
			syncErrorsTotal.Add(float64(len(res.Errors)))
		}
		c.JSON(http.StatusOK, res)
	}
}

// SyncState summarizes the persisted ledger: the count of applied
// events and the recorded errors.
func SyncState(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := deps.Layout.SyncStateFile()
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				c.JSON(http.StatusOK, ledgerSummary(outbox.SyncState{}))
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var st outbox.SyncState
		if err := json.Unmarshal(data, &st); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ledgerSummary(st))
	}
}

func ledgerSummary(st outbox.SyncState) gin.H {
	errs := st.Errors
	if errs == nil {
		errs = []outbox.SyncError{}
	}
	return gin.H{"processed": len(st.Processed), "errors": errs}
}
