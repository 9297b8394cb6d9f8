// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package taiga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer is the request executor the client runs on. *http.Client
// satisfies it; tests substitute fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx tracker response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("tracker returned %d: %s", e.StatusCode, body)
}

// Client talks to the tracker API at a gateway base URL, optionally
// authenticated with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    HTTPDoer
}

// NewClient builds a client. A nil doer gets an http.Client with a 30s
// timeout.
func NewClient(baseURL, token string, doer HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: doer}
}

// BaseURL returns the gateway base the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Authenticate performs a normal-type login and returns the auth token.
func Authenticate(ctx context.Context, baseURL, username, password string, doer HTTPDoer) (AuthResponse, error) {
	c := NewClient(baseURL, "", doer)
	var resp AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth", map[string]any{
		"type":     "normal",
		"username": username,
		"password": password,
	}, &resp)
	return resp, err
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/api/v1/users/me", nil, &u)
	return u, err
}

// Projects lists projects visible to memberID. Archived projects are
// filtered out unless includeArchived is set.
func (c *Client) Projects(ctx context.Context, memberID int, includeArchived bool) ([]Project, error) {
	path := "/api/v1/projects"
	if memberID > 0 {
		path += "?member=" + url.QueryEscape(fmt.Sprint(memberID))
	}
	var all []Project
	if err := c.do(ctx, http.MethodGet, path, nil, &all); err != nil {
		return nil, err
	}
	if includeArchived {
		return all, nil
	}
	var out []Project
	for _, p := range all {
		if !p.IsArchived {
			out = append(out, p)
		}
	}
	return out, nil
}

// ProjectBySlug resolves a project by its slug.
func (c *Client) ProjectBySlug(ctx context.Context, slug string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodGet, "/api/v1/projects/by_slug?slug="+url.QueryEscape(slug), nil, &p)
	return p, err
}

// CreateProject creates a private project.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, "/api/v1/projects", map[string]any{
		"name":        name,
		"description": description,
		"is_private":  true,
	}, &p)
	return p, err
}

// itemPath maps a generic item type to its API collection.
func itemPath(itemType string) (string, error) {
	switch itemType {
	case "issue":
		return "issues", nil
	case "userstory":
		return "userstories", nil
	case "task":
		return "tasks", nil
	default:
		return "", fmt.Errorf("unknown item type %q", itemType)
	}
}

// statusPath maps a generic item type to its status-board collection.
func statusPath(itemType string) (string, error) {
	switch itemType {
	case "issue":
		return "issue-statuses", nil
	case "userstory":
		return "userstory-statuses", nil
	case "task":
		return "task-statuses", nil
	default:
		return "", fmt.Errorf("unknown item type %q", itemType)
	}
}

// Items lists a project's work items of the given type.
func (c *Client) Items(ctx context.Context, projectID int, itemType string) ([]Item, error) {
	coll, err := itemPath(itemType)
	if err != nil {
		return nil, err
	}
	var items []Item
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/%s?project=%d", coll, projectID), nil, &items)
	return items, err
}

// Statuses lists the status board for an item type in a project.
func (c *Client) Statuses(ctx context.Context, projectID int, itemType string) ([]Status, error) {
	coll, err := statusPath(itemType)
	if err != nil {
		return nil, err
	}
	var sts []Status
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/%s?project=%d", coll, projectID), nil, &sts)
	return sts, err
}

// StatusID resolves a status display name (case-insensitive) to its id.
func (c *Client) StatusID(ctx context.Context, projectID int, itemType, statusName string) (int, error) {
	sts, err := c.Statuses(ctx, projectID, itemType)
	if err != nil {
		return 0, err
	}
	for _, s := range sts {
		if strings.EqualFold(s.Name, statusName) {
			return s.ID, nil
		}
	}
	return 0, fmt.Errorf("status %q not found for %s in project %d", statusName, itemType, projectID)
}

// GetItem fetches a single work item, mainly for its version counter.
func (c *Client) GetItem(ctx context.Context, itemType string, itemID int) (Item, error) {
	coll, err := itemPath(itemType)
	if err != nil {
		return Item{}, err
	}
	var it Item
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/%s/%d", coll, itemID), nil, &it)
	return it, err
}

// PostComment appends a comment to a work item. The tracker requires
// the item's current version on every PATCH, so the item is fetched
// first.
func (c *Client) PostComment(ctx context.Context, itemType string, itemID int, text string) error {
	return c.patchItem(ctx, itemType, itemID, func(version int) map[string]any {
		return map[string]any{"comment": text, "version": version}
	})
}

// SetStatus moves a work item to statusID.
func (c *Client) SetStatus(ctx context.Context, itemType string, itemID, statusID int) error {
	return c.patchItem(ctx, itemType, itemID, func(version int) map[string]any {
		return map[string]any{"status": statusID, "version": version}
	})
}

func (c *Client) patchItem(ctx context.Context, itemType string, itemID int, body func(version int) map[string]any) error {
	it, err := c.GetItem(ctx, itemType, itemID)
	if err != nil {
		return err
	}
	coll, err := itemPath(itemType)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/v1/%s/%d", coll, itemID), body(it.Version), nil)
}

// do executes one API call, decoding a JSON response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
