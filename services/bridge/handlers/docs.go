// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DocRecord is one entry of the append-only document index.
type DocRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	File      string `json:"file,omitempty"`
	Note      string `json:"note,omitempty"`
	Profile   string `json:"profile,omitempty"`
	CreatedAt string `json:"created_at"`
}

// DocCreateRequest is the POST /docs body: a titled note without an
// attached file.
type DocCreateRequest struct {
	Title string `json:"title" binding:"required"`
	Note  string `json:"note"`
}

// DocsAdd appends a note-only document record.
func DocsAdd(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DocCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec := DocRecord{
			ID:        uuid.NewString(),
			Title:     req.Title,
			Note:      req.Note,
			Profile:   profileFrom(c),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := appendJSONL(deps.Layout.DocsIndexFile(), rec); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// DocsUpload stores a multipart file under the docs directory and
// indexes it.
func DocsUpload(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field 'file'"})
			return
		}

		id := uuid.NewString()
		name := id + "-" + filepath.Base(file.Filename)
		dest := filepath.Join(deps.Layout.DocsDir(), name)
		if err := os.MkdirAll(deps.Layout.DocsDir(), 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := c.SaveUploadedFile(file, dest); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		rec := DocRecord{
			ID:        id,
			Title:     c.DefaultPostForm("title", file.Filename),
			File:      name,
			Note:      c.PostForm("note"),
			Profile:   profileFrom(c),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := appendJSONL(deps.Layout.DocsIndexFile(), rec); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// DocsList returns the indexed documents, newest last. Malformed index
// lines are skipped.
func DocsList(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := readJSONL[DocRecord](deps.Layout.DocsIndexFile())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": recs})
	}
}

// appendJSONL appends one JSON line to path.
func appendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// readJSONL reads every parsable line of a JSONL file. A missing file
// is an empty list.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []T{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	out := []T{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec T
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}
