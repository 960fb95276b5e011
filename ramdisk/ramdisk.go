// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ramdisk implements C6, the Ramdisk Hash Reconciler: deciding
// which build identity (Erase vs Update) a previously issued ticket
// actually authorizes, by hashing the signed region of the
// RestoreRamDisk image and searching the ticket's raw bytes for that
// digest.
package ramdisk

import (
	"context"
	"fmt"

	"github.com/Trsvsr/idevicererestore/img3"
	"github.com/Trsvsr/idevicererestore/ipsw"
	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/manifest"
)

// Outcome is the result the orchestrator folds back into the client
// state: the identity to use, and whether the flip marks the restore as
// Custom.
type Outcome struct {
	Identity manifest.Identity
	Behavior manifest.RestoreBehavior
	Custom   bool
}

// Reconcile runs the bounded, at-most-2-iteration hash search described
// in spec.md §4.6. ticket is the raw APTicket bytes; current is the
// build identity and behavior currently selected; model is the device's
// hardware model used to look up the flipped identity.
func Reconcile(ctx context.Context, archivePath string, m *manifest.Manifest, model string, current manifest.Identity, currentBehavior manifest.RestoreBehavior, ticket []byte) (Outcome, error) {
	behavior := currentBehavior
	identity := current

	for attempt := 0; attempt < 2; attempt++ {
		path, err := manifest.ComponentPath(identity, "RestoreRamDisk")
		if err != nil {
			return Outcome{Identity: current, Behavior: currentBehavior}, fmt.Errorf("ramdisk: %w", err)
		}

		a, err := ipsw.Open(archivePath)
		if err != nil {
			return Outcome{Identity: current, Behavior: currentBehavior}, fmt.Errorf("ramdisk: %w", err)
		}
		data, err := a.ReadComponent(path)
		a.Close()
		if err != nil {
			return Outcome{Identity: current, Behavior: currentBehavior}, fmt.Errorf("ramdisk: %w", err)
		}

		if len(data) < img3.MinSize {
			logging.Debugf(ctx, "ramdisk: %s is %d bytes, too short to reconcile; keeping %s", path, len(data), behavior)
			return Outcome{Identity: identity, Behavior: behavior}, nil
		}
		if img3.IsUnsigned(data) {
			logging.Debugf(ctx, "ramdisk: %s is unsigned; treating restore as custom", path)
			return Outcome{Identity: identity, Behavior: behavior, Custom: true}, nil
		}

		digest, err := img3.SignedRegionDigest(data)
		if err != nil {
			return Outcome{Identity: current, Behavior: currentBehavior}, fmt.Errorf("ramdisk: %w", err)
		}

		if img3.FindDigest(ticket, digest) {
			logging.Infof(ctx, "ramdisk: ticket authorizes %s identity", behavior)
			return Outcome{Identity: identity, Behavior: behavior}, nil
		}

		if attempt == 0 {
			flipped := flip(behavior)
			flippedIdentity, err := m.IdentityForModelAndBehavior(model, flipped)
			if err != nil {
				logging.Debugf(ctx, "ramdisk: no %s identity for %s; keeping %s", flipped, model, behavior)
				return Outcome{Identity: current, Behavior: currentBehavior}, nil
			}
			logging.Infof(ctx, "ramdisk: ticket does not authorize %s; retrying with %s", behavior, flipped)
			identity = flippedIdentity
			behavior = flipped
			continue
		}

		logging.Infof(ctx, "ramdisk: ticket matched neither identity; forcing Erase and marking custom")
		eraseIdentity, err := m.IdentityForModelAndBehavior(model, manifest.Erase)
		if err != nil {
			return Outcome{Identity: current, Behavior: currentBehavior}, fmt.Errorf("ramdisk: %w", err)
		}
		return Outcome{Identity: eraseIdentity, Behavior: manifest.Erase, Custom: true}, nil
	}

	return Outcome{Identity: identity, Behavior: behavior}, nil
}

func flip(b manifest.RestoreBehavior) manifest.RestoreBehavior {
	if b == manifest.Erase {
		return manifest.Update
	}
	return manifest.Erase
}
