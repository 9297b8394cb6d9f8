// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package taiga is a typed client for the Taiga-compatible tracker REST
// API exposed through the stack's gateway.
package taiga

// User is the authenticated tracker account.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// AuthResponse is returned by the normal-login auth endpoint.
type AuthResponse struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	AuthToken string `json:"auth_token"`
}

// Project is a tracker project summary.
type Project struct {
	ID          int      `json:"id"`
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsPrivate   bool     `json:"is_private"`
	IsArchived  bool     `json:"is_archived"`
	Tags        []string `json:"tags"`
}

// Status is one entry of a project's per-item-type status board.
type Status struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed"`
	Order    int    `json:"order"`
}

// StatusExtra is the denormalized status info embedded in item listings.
type StatusExtra struct {
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed"`
}

// Item is a work item (issue, user story, or task) in list form.
type Item struct {
	ID              int          `json:"id"`
	Ref             *int         `json:"ref"`
	Subject         string       `json:"subject"`
	Priority        int          `json:"priority"`
	AssignedTo      *int         `json:"assigned_to"`
	CreatedDate     string       `json:"created_date"`
	Version         int          `json:"version"`
	StatusExtraInfo *StatusExtra `json:"status_extra_info"`
}
