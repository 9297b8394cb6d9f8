// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ChatMessage is one entry of the append-only local chat thread the
// team shares through the working copy.
type ChatMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Text    string `json:"text"`
	SentAt  string `json:"sent_at"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// ChatSendRequest is the POST /chat/send body.
type ChatSendRequest struct {
	Text    string `json:"text" binding:"required"`
	ReplyTo string `json:"reply_to"`
}

// ChatSend appends a message attributed to the acting profile.
func ChatSend(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := requireProfile(c)
		if !ok {
			return
		}

		var req ChatSendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		msg := ChatMessage{
			ID:      uuid.NewString(),
			From:    profile,
			Text:    req.Text,
			SentAt:  time.Now().UTC().Format(time.RFC3339),
			ReplyTo: req.ReplyTo,
		}
		if err := appendJSONL(deps.Layout.ChatFile(), msg); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

// ChatThread returns the thread, oldest first, optionally limited to
// the last ?limit messages.
func ChatThread(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := readJSONL[ChatMessage](deps.Layout.ChatFile())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(msgs) {
				msgs = msgs[len(msgs)-n:]
			}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}
