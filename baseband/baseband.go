// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package baseband implements C8, the Baseband Reconciler: comparing the
// local archive's baseband-firmware manifest entry against the
// latest-firmware manifest's entry, reusing the local blob when they
// structurally agree and partial-fetching the remote one otherwise.
package baseband

import (
	"context"
	"fmt"

	"github.com/Trsvsr/idevicererestore/ipsw"
	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/manifest"
	"github.com/Trsvsr/idevicererestore/partialzip"
	"github.com/Trsvsr/idevicererestore/plist"
)

// identityIndex maps product type to the remote manifest's BuildIdentities
// index used for baseband selection (spec.md §4.8 step 3).
func identityIndex(product string) int {
	switch product {
	case "iPhone5,2", "iPad3,5":
		return 0
	case "iPhone5,4", "iPad3,6":
		return 2
	case "iPhone5,1", "iPad3,4":
		return 4
	case "iPhone5,3":
		return 6
	default:
		return -1
	}
}

// Reconcile resolves the local archive's baseband firmware against the
// remote latestManifestURL's identity for product, writing the winning
// blob to destPath ("bbfw.tmp" under the orchestrator's cache).
func Reconcile(ctx context.Context, archivePath string, localManifest *manifest.Manifest, localIdentity manifest.Identity, product string, isUpdate bool, latestManifestURL, destPath string) error {
	remoteManifestBytes, err := partialzip.FetchToMemory(latestManifestURL, "BuildManifest.plist")
	if err != nil {
		return fmt.Errorf("baseband: fetch remote manifest: %w", err)
	}

	remote, err := manifest.Parse(remoteManifestBytes)
	if err != nil {
		return fmt.Errorf("baseband: parse remote manifest: %w", err)
	}

	idx := identityIndex(product)
	if isUpdate && idx != -1 {
		idx++
	}

	remoteVersion, err := remote.VersionInfo()
	if err != nil {
		return fmt.Errorf("baseband: remote version info: %w", err)
	}
	if remoteVersion.BuildMajor >= 14 && idx == -1 {
		return fmt.Errorf("baseband: no identity index known for product %q on build_major %d", product, remoteVersion.BuildMajor)
	}
	if remoteVersion.BuildMajor < 14 {
		idx = 0
	}

	remoteIdentity, ok := remote.IdentityAt(idx)
	if !ok {
		return fmt.Errorf("baseband: remote manifest has no identity at index %d", idx)
	}

	remotePath, err := manifest.ComponentPath(remoteIdentity, "BasebandFirmware")
	if err != nil {
		return fmt.Errorf("baseband: %w", err)
	}

	localBBDict, _ := localIdentity.Raw.Dict("Manifest")
	localBB, _ := localBBDict.Dict("BasebandFirmware")
	remoteBBDict, _ := remoteIdentity.Raw.Dict("Manifest")
	remoteBB, _ := remoteBBDict.Dict("BasebandFirmware")

	if fieldsEqual(localBB, remoteBB) {
		logging.Infof(ctx, "baseband: local and remote manifests agree, reusing local archive copy")
		localPath, err := manifest.ComponentPath(localIdentity, "BasebandFirmware")
		if err != nil {
			return fmt.Errorf("baseband: %w", err)
		}
		a, err := ipsw.Open(archivePath)
		if err != nil {
			return fmt.Errorf("baseband: %w", err)
		}
		defer a.Close()
		if err := a.ExtractToFile(localPath, destPath); err != nil {
			return fmt.Errorf("baseband: extract local copy: %w", err)
		}
		return nil
	}

	logging.Infof(ctx, "baseband: manifests differ, partial-fetching remote copy of %s", remotePath)
	if err := partialzip.FetchToFile(latestManifestURL, remotePath, destPath); err != nil {
		return fmt.Errorf("baseband: %w", err)
	}
	return nil
}

// fieldsEqual compares two Manifest.BasebandFirmware dicts field-by-field
// per spec.md §4.8 step 5: size mismatch, type mismatch, or any
// non-Info/DATA/UINT type difference triggers a download; DICT-typed
// "Info" entries are skipped rather than compared.
func fieldsEqual(local, remote plist.Dict) bool {
	if local == nil || remote == nil {
		return false
	}
	if len(local) != len(remote) {
		return false
	}
	for k, lv := range local {
		rv, ok := remote[k]
		if !ok {
			return false
		}
		if k == "Info" {
			if _, lok := lv.(plist.Dict); lok {
				if _, rok := rv.(plist.Dict); rok {
					continue
				}
			}
			return false
		}
		if !valueEqual(lv, rv) {
			return false
		}
	}
	return true
}

func valueEqual(lv, rv interface{}) bool {
	switch l := lv.(type) {
	case plist.Data:
		r, ok := rv.(plist.Data)
		if !ok || len(l) != len(r) {
			return false
		}
		for i := range l {
			if l[i] != r[i] {
				return false
			}
		}
		return true
	case uint64:
		r, ok := toUint64(rv)
		return ok && l == r
	case plist.Dict:
		// Any DICT other than "Info" is conservatively treated as a
		// mismatch, matching spec.md's "any other type → download".
		return false
	default:
		return false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case int64:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case int:
		return uint64(t), true
	default:
		return 0, false
	}
}
