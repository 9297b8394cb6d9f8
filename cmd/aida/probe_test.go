// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeDoer answers probes by URL. A nil response with an error models an
// unreachable endpoint.
type fakeDoer struct {
	status func(url string) (int, error)
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	code, err := d.status(req.URL.String())
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

// newTestProber bypasses the production rate limit so tests run fast.
func newTestProber(d *fakeDoer) *Prober {
	return &Prober{client: d, limiter: rate.NewLimiter(rate.Inf, 1)}
}

// =============================================================================
// Acceptance sets
// =============================================================================

func TestAcceptanceSets(t *testing.T) {
	tests := []struct {
		name   string
		status int
		ok     bool
		set    []int
		want   bool
	}{
		{"root accepts 200", 200, true, rootAccept, true},
		{"root rejects 503", 503, true, rootAccept, false},
		{"api accepts 200", 200, true, apiAccept, true},
		{"api accepts anonymous 401", 401, true, apiAccept, true},
		{"api accepts anonymous 403", 403, true, apiAccept, true},
		{"api rejects 404", 404, true, apiAccept, false},
		{"auth accepts 401", 401, true, authAccept, true},
		{"auth accepts 405", 405, true, authAccept, true},
		{"auth rejects 200", 200, true, authAccept, false},
		{"auth rejects 404", 404, true, authAccept, false},
		{"bridge accepts only 200", 500, true, bridgeAccept, false},
		{"unreachable never acceptable", 200, false, rootAccept, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := accepted(tc.status, tc.ok, tc.set); got != tc.want {
				t.Errorf("accepted(%d, %v) = %v, want %v", tc.status, tc.ok, got, tc.want)
			}
		})
	}
}

func TestProbeNeverErrorsOnUnreachable(t *testing.T) {
	p := newTestProber(&fakeDoer{status: func(string) (int, error) {
		return 0, errors.New("connection refused")
	}})

	status, ok := p.Probe(context.Background(), "http://localhost:9/")
	if ok {
		t.Fatal("expected ok=false for unreachable endpoint")
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
}

func TestEvaluateCombinesEndpoints(t *testing.T) {
	p := newTestProber(&fakeDoer{status: func(url string) (int, error) {
		switch {
		case strings.HasSuffix(url, "/api/v1/projects"):
			return 401, nil
		case strings.HasSuffix(url, "/api/v1/auth"):
			return 405, nil
		case strings.HasSuffix(url, "/health"):
			return 500, nil
		default:
			return 200, nil
		}
	}})
	rc := NewReadinessChecker(p, "http://gw", "http://bridge")

	r := rc.Evaluate(context.Background())
	if !r.RootOK || !r.APIOK || !r.AuthPresent {
		t.Fatalf("expected gateway endpoints ready, got %+v", r)
	}
	if r.BridgeOK {
		t.Fatal("bridge answering 500 must not be ok")
	}
	if !r.GatewayReady() {
		t.Fatal("root+api ok must mean gateway ready")
	}
}

func TestEvaluateMisroutedAPI(t *testing.T) {
	// A gateway serving the frontend for every path answers 200 on the
	// API route too, but 404 on auth reveals the mis-routing.
	p := newTestProber(&fakeDoer{status: func(url string) (int, error) {
		if strings.HasSuffix(url, "/api/v1/auth") {
			return 404, nil
		}
		return 200, nil
	}})
	rc := NewReadinessChecker(p, "http://gw", "http://bridge")

	r := rc.Evaluate(context.Background())
	if r.AuthPresent {
		t.Fatal("404 on the auth endpoint must not count as present")
	}
}
