// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the bridge's HTTP endpoints. Every
// handler is a constructor taking its dependencies and returning a
// gin.HandlerFunc, so routes stay declarative and tests can wire fakes.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aidamatic/aida/pkg/identity"
	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/outbox"
	"github.com/aidamatic/aida/pkg/taiga"
	"github.com/aidamatic/aida/pkg/workspace"
)

// ProfileHeader names the acting identity on incoming requests.
const ProfileHeader = "X-AIDA-Profile"

// Deps bundles everything the handlers share.
type Deps struct {
	Layout      workspace.Layout
	Store       *outbox.Store
	Worker      *outbox.Worker
	Identities  *identity.Store
	Assignments *AssignmentCache
	Log         *logging.Logger

	// ClientFor returns a tracker client acting as the named profile.
	ClientFor func(profile string) (*taiga.Client, error)
}

// Metrics exported at /metrics.
var (
	outboxWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aida_bridge_outbox_writes_total",
		Help: "Outbox events written, by event type.",
	}, []string{"type"})

	syncProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aida_bridge_sync_processed_total",
		Help: "Outbox events successfully applied to the tracker.",
	})

	syncErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aida_bridge_sync_errors_total",
		Help: "Per-event sync failures.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aida_bridge_requests_total",
		Help: "Handled requests by route and status.",
	}, []string{"route", "status"})
)

// CountRequests is a gin middleware feeding the request counter.
func CountRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestsTotal.WithLabelValues(route, http.StatusText(c.Writer.Status())).Inc()
	}
}

// profileFrom extracts the acting profile from the header or query.
func profileFrom(c *gin.Context) string {
	if p := c.GetHeader(ProfileHeader); p != "" {
		return p
	}
	return c.Query("profile")
}

// requireProfile aborts with 409 when no profile accompanies the
// request. 409 rather than 400: the request is well-formed, the local
// workspace state (no acting identity) conflicts with performing it.
func requireProfile(c *gin.Context) (string, bool) {
	p := profileFrom(c)
	if p == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error": "no identity profile: set " + ProfileHeader + " or ?profile=",
		})
		return "", false
	}
	return p, true
}
