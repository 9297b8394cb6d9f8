// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes declares the bridge's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aidamatic/aida/services/bridge/handlers"
)

// SetupRoutes registers every bridge endpoint on the router.
func SetupRoutes(router *gin.Engine, deps handlers.Deps) {
	router.Use(handlers.CountRequests())

	router.GET("/health", handlers.Health())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/projects", handlers.ListProjects(deps))

	task := router.Group("/task")
	{
		task.GET("/current", handlers.TaskCurrent(deps))
		task.POST("/comment", handlers.TaskComment(deps))
		task.POST("/status", handlers.TaskStatus(deps))
		task.GET("/next", handlers.TaskNext(deps))
		task.GET("/history", handlers.TaskHistory(deps))
	}

	sync := router.Group("/sync")
	{
		sync.POST("/outbox", handlers.SyncOutbox(deps))
		sync.GET("/state", handlers.SyncState(deps))
	}

	docs := router.Group("/docs")
	{
		docs.POST("", handlers.DocsAdd(deps))
		docs.POST("/upload", handlers.DocsUpload(deps))
		docs.GET("", handlers.DocsList(deps))
	}

	chat := router.Group("/chat")
	{
		chat.POST("/send", handlers.ChatSend(deps))
		chat.GET("/thread", handlers.ChatThread(deps))
	}
}
