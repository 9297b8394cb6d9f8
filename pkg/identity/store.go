// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity manages the tracker accounts the toolkit acts as:
// typed profiles on disk, account provisioning inside the backend
// container, and token refresh through the gateway.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrUnknownProfile is returned when a named profile is not configured.
var ErrUnknownProfile = errors.New("unknown identity profile")

// DefaultProfile is used when callers do not name a profile.
const DefaultProfile = "default"

// Profile is one tracker account the toolkit can act as.
type Profile struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Store persists profiles in a single JSON file keyed by profile name.
type Store struct {
	path string
}

// NewStore returns a store over path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads all profiles. A missing file yields an empty map.
func (s *Store) Load() (map[string]Profile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Profile{}, nil
		}
		return nil, fmt.Errorf("read identities: %w", err)
	}
	var m map[string]Profile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse identities %s: %w", s.path, err)
	}
	for name, p := range m {
		if p.Name == "" {
			p.Name = name
			m[name] = p
		}
	}
	return m, nil
}

// Save writes all profiles back.
func (s *Store) Save(profiles map[string]Profile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create identities dir: %w", err)
	}
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return err
	}
	// Tokens and passwords live here; keep the file owner-only.
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identities: %w", err)
	}
	return nil
}

// Lookup returns the named profile, or the default profile when name is
// empty. A missing profile is ErrUnknownProfile.
func (s *Store) Lookup(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	profiles, err := s.Load()
	if err != nil {
		return Profile{}, err
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Names returns the configured profile names, sorted.
func (s *Store) Names() ([]string, error) {
	profiles, err := s.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Update applies fn to the named profile and persists the result.
func (s *Store) Update(name string, fn func(*Profile)) error {
	profiles, err := s.Load()
	if err != nil {
		return err
	}
	p, ok := profiles[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	fn(&p)
	profiles[name] = p
	return s.Save(profiles)
}

// GeneratePassword returns a random 24-hex-char password for profiles
// provisioned without one.
func GeneratePassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
