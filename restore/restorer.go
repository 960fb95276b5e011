// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package restore

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/Trsvsr/idevicererestore/manifest"
)

// Request is everything the external restore streamer needs, handed over
// at step 18 of the orchestrator (spec.md §4.9).
type Request struct {
	Client         *ClientState
	Identity       manifest.Identity
	FilesystemPath string
}

// Restorer is the external collaborator that actually streams the
// filesystem and component set to the device once it is sitting in
// Restore mode; spec.md §1 calls this out as an external interface this
// module defines but does not own the far side of. Modeled on
// paver.Paver's single-method shape (Pave(ctx, deviceName) error): one
// externally-supplied step invoked once all the orchestration state is
// ready.
type Restorer interface {
	Restore(ctx context.Context, req Request) error
}

// ScriptRestorer is a thin concrete Restorer that shells out to an
// external restore command, the same way paver.BuildPaver.runPave shells
// out to a pave.sh script rather than reimplementing the device protocol
// in Go.
type ScriptRestorer struct {
	// Command is the path to (or PATH-resolvable name of) the external
	// restore executable.
	Command string
}

// Restore runs Command with the filesystem path and identity variant as
// arguments, streaming its stdout/stderr through.
func (r *ScriptRestorer) Restore(ctx context.Context, req Request) error {
	path, err := exec.LookPath(r.Command)
	if err != nil {
		return fmt.Errorf("restore: restore command %q not found: %w", r.Command, err)
	}

	args := []string{
		"--ecid", fmt.Sprintf("%d", req.Client.ECID),
		"--filesystem", req.FilesystemPath,
		"--variant", req.Identity.Variant,
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
