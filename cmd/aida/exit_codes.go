// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

// Process exit codes. Each bootstrap failure class gets its own code so
// wrapping scripts can branch without parsing log output.
const (
	ExitOK = 0

	// ExitInternal covers unclassified failures.
	ExitInternal = 1

	// ExitComposeMissing: the compose file could not be found.
	ExitComposeMissing = 2

	// ExitResetFailed: the --reset subprocess exited non-zero.
	ExitResetFailed = 3

	// ExitResetReconcileSkipped: the reset subprocess finished but
	// reported that it skipped reconciliation, leaving the stack in a
	// state bootstrap cannot trust.
	ExitResetReconcileSkipped = 4

	// ExitBackendStalled: the backend showed no log activity and no CPU
	// over the stall window.
	ExitBackendStalled = 5

	// ExitGatewayTimeout: the gateway root never answered 200.
	ExitGatewayTimeout = 6

	// ExitReconcileFailed: the API never became acceptable or identity
	// reconciliation failed.
	ExitReconcileFailed = 7

	// ExitBridgeTimeout: the bridge sidecar never reported healthy.
	ExitBridgeTimeout = 8
)

// exitError pairs an error with the process exit code it maps to.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) *exitError {
	return &exitError{code: code, err: err}
}
