// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package restore

import "github.com/pkg/errors"

// Error taxonomy (spec.md §7): these are sentinel kinds, not specific
// messages - callers check membership with errors.Is, and the orchestrator
// wraps each concrete failure in one of these with fmt.Errorf's %w so the
// kind survives alongside the specific cause.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrDeviceState    = errors.New("device state error")
	ErrTransport      = errors.New("transport error")
	ErrManifest       = errors.New("manifest error")
	ErrTicket         = errors.New("ticket error")
	ErrExtraction     = errors.New("extraction error")
	ErrReconciliation = errors.New("reconciliation error")
	ErrFatalIBEC      = errors.New("fatal iBEC error")
)

// Exit codes per spec.md §6.
const (
	ExitSuccess        = 0
	ExitGeneral        = -1
	ExitRestorePhase   = -2
	ExitModeTransition = -5
)

// ExitCodeFor maps an error returned by Run to the process exit code
// spec.md §6 mandates.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch {
	case errors.Is(err, ErrFatalIBEC):
		return ExitModeTransition
	case errors.Is(err, ErrTransport):
		return ExitModeTransition
	case errors.Is(err, ErrTicket), errors.Is(err, ErrExtraction), errors.Is(err, ErrReconciliation):
		return ExitRestorePhase
	default:
		return ExitGeneral
	}
}
