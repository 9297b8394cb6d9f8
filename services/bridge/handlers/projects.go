// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// ListProjects returns the projects visible to the acting profile.
// Query params: all=true includes archived, tag=<t> filters by tag.
func ListProjects(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := requireProfile(c)
		if !ok {
			return
		}

		client, err := deps.ClientFor(profile)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		me, err := client.Me(c.Request.Context())
		if err != nil {
			slog.Error("resolve acting user failed", "profile", profile, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		includeArchived := false
		if v, ok := c.GetQuery("all"); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				includeArchived = b
			}
		}
		projects, err := client.Projects(c.Request.Context(), me.ID, includeArchived)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		if tag := c.Query("tag"); tag != "" {
			filtered := projects[:0]
			for _, p := range projects {
				for _, t := range p.Tags {
					if strings.EqualFold(t, tag) {
						filtered = append(filtered, p)
						break
					}
				}
			}
			projects = filtered
		}

		c.JSON(http.StatusOK, gin.H{"projects": projects, "profile": profile})
	}
}
