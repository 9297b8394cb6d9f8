// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/aidamatic/aida/pkg/taiga"
)

// probeTimeout bounds a single readiness GET.
const probeTimeout = 5 * time.Second

// Prober issues single readiness GETs.
//
// Probe never returns an error: connection refused, DNS failure,
// timeout, and malformed responses all collapse to ok=false with
// status 0, because during bootstrap "not reachable yet" is an
// expected answer, not an exceptional one.
type Prober struct {
	client  taiga.HTTPDoer
	limiter *rate.Limiter
}

// NewProber wraps an HTTP doer with a shared token bucket (~1 probe/s,
// burst 3) so retry loops cannot hammer a struggling stack no matter
// how short their backoff gets.
func NewProber(client taiga.HTTPDoer) *Prober {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Prober{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// Probe GETs url and returns the status code and whether a response
// arrived at all. status is 0 when no HTTP response was received.
func (p *Prober) Probe(ctx context.Context, url string) (int, bool) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	return resp.StatusCode, true
}

// Readiness is one evaluation of the stack's externally visible state.
type Readiness struct {
	RootOK      bool `json:"root_ok"`
	APIOK       bool `json:"api_ok"`
	AuthPresent bool `json:"auth_present"`
	BridgeOK    bool `json:"bridge_ok"`
}

// GatewayReady reports whether the gateway serves both the frontend
// root and the API.
func (r Readiness) GatewayReady() bool {
	return r.RootOK && r.APIOK
}

// Acceptance sets per endpoint. The API answers 401/403 to anonymous
// requests long before real data flows, and the auth endpoint proves
// its existence by rejecting a GET (401) or the method (405). A 404
// means mis-routing and is never acceptable.
var (
	rootAccept   = []int{http.StatusOK}
	apiAccept    = []int{http.StatusOK, http.StatusUnauthorized, http.StatusForbidden}
	authAccept   = []int{http.StatusUnauthorized, http.StatusMethodNotAllowed}
	bridgeAccept = []int{http.StatusOK}
)

func accepted(status int, ok bool, set []int) bool {
	if !ok {
		return false
	}
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// ReadinessChecker evaluates the full readiness snapshot.
type ReadinessChecker struct {
	prober     *Prober
	gatewayURL string
	bridgeURL  string
}

// NewReadinessChecker builds a checker over the gateway and bridge
// base URLs.
func NewReadinessChecker(prober *Prober, gatewayURL, bridgeURL string) *ReadinessChecker {
	return &ReadinessChecker{prober: prober, gatewayURL: gatewayURL, bridgeURL: bridgeURL}
}

// Evaluate probes all four endpoints once.
func (rc *ReadinessChecker) Evaluate(ctx context.Context) Readiness {
	var r Readiness

	status, ok := rc.prober.Probe(ctx, rc.gatewayURL+"/")
	r.RootOK = accepted(status, ok, rootAccept)

	status, ok = rc.prober.Probe(ctx, rc.gatewayURL+"/api/v1/projects")
	r.APIOK = accepted(status, ok, apiAccept)

	status, ok = rc.prober.Probe(ctx, rc.gatewayURL+"/api/v1/auth")
	r.AuthPresent = accepted(status, ok, authAccept)

	status, ok = rc.prober.Probe(ctx, rc.bridgeURL+"/health")
	r.BridgeOK = accepted(status, ok, bridgeAccept)

	return r
}

// RootStatus probes only the gateway root, returning the raw status for
// evidence strings.
func (rc *ReadinessChecker) RootStatus(ctx context.Context) (int, bool) {
	status, ok := rc.prober.Probe(ctx, rc.gatewayURL+"/")
	return status, accepted(status, ok, rootAccept)
}

// APIStatus probes only the API endpoint.
func (rc *ReadinessChecker) APIStatus(ctx context.Context) (int, bool) {
	status, ok := rc.prober.Probe(ctx, rc.gatewayURL+"/api/v1/projects")
	return status, accepted(status, ok, apiAccept)
}

// BridgeStatus probes only the bridge health endpoint.
func (rc *ReadinessChecker) BridgeStatus(ctx context.Context) (int, bool) {
	status, ok := rc.prober.Probe(ctx, rc.bridgeURL+"/health")
	return status, accepted(status, ok, bridgeAccept)
}
