// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package versioncache implements C4, the Version Data Cache: a
// time-bounded cached copy of the vendor's version-index document, used to
// resolve the latest-firmware URL for a hardware model.
package versioncache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/plist"
	"github.com/Trsvsr/idevicererestore/retry"
	"github.com/Trsvsr/idevicererestore/util"
)

// SourceURL is the vendor's version-index document.
const SourceURL = "https://itunes.apple.com/check/version"

// MaxAge is the freshness window a cached copy is reused within.
const MaxAge = 86400 * time.Second

// Fetch returns the parsed version.xml document, serving a fresh cached
// copy from cacheDir when available and re-fetching over HTTP otherwise.
// cacheDir may be empty, in which case the current working directory is
// used, matching the teacher's habit of falling back to "." rather than
// requiring every cache-backed helper to validate its directory argument.
func Fetch(ctx context.Context, cacheDir string) (plist.Dict, error) {
	if cacheDir == "" {
		cacheDir = "."
	}
	path := filepath.Join(cacheDir, "version.xml")

	if fi, err := os.Stat(path); err == nil {
		if time.Since(fi.ModTime()) <= MaxAge {
			raw, err := os.ReadFile(path)
			if err == nil {
				d, err := plist.Decode(raw)
				if err == nil {
					logging.Infof(ctx, "version cache: using fresh copy at %s", path)
					return d, nil
				}
				logging.Errorf(ctx, "version cache: cached copy at %s is corrupt, discarding: %v", path, err)
				os.Remove(path)
				return nil, fmt.Errorf("versioncache: parse cached copy: %w", err)
			}
		}
	}

	if err := refetch(ctx, path); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("versioncache: read refetched copy: %w", err)
	}
	d, err := plist.Decode(raw)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("versioncache: parse refetched copy: %w", err)
	}
	return d, nil
}

func refetch(ctx context.Context, path string) error {
	logging.Infof(ctx, "version cache: refetching %s", SourceURL)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("versioncache: mkdir: %w", err)
	}

	backoff := retry.WithMaxAttempts(retry.NewConstantBackoff(time.Second), 3)
	return retry.Retry(ctx, backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, SourceURL, nil)
		if err != nil {
			return fmt.Errorf("versioncache: build request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("versioncache: fetch %s: %w", SourceURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("versioncache: fetch %s: status %s", SourceURL, resp.Status)
		}
		return util.AtomicallyWriteFile(path, 0644, func(tmp *os.File) error {
			_, err := io.Copy(tmp, resp.Body)
			return err
		})
	}, func(err error, delay time.Duration) {
		logging.Errorf(ctx, "version cache: fetch attempt failed, retrying in %s: %v", delay, err)
	})
}

// LatestFirmware is the per-model entry resolved out of version.xml:
// the current shipping ProductVersion/BuildVersion and the IPSW download
// URL, mirroring the real "check/version" document's per-model fields.
type LatestFirmware struct {
	Version string
	Build   string
	URL     string
}

// LatestFirmwareForModel resolves the latest firmware entry for model out
// of a decoded version.xml document's MobileDeviceSoftwareVersionsByVersion
// table (spec.md's "Supplemented features": latest-firmware URL
// resolution).
func LatestFirmwareForModel(doc plist.Dict, model string) (LatestFirmware, error) {
	byVersion, ok := doc.Dict("MobileDeviceSoftwareVersionsByVersion")
	if !ok {
		return LatestFirmware{}, fmt.Errorf("versioncache: no MobileDeviceSoftwareVersionsByVersion table")
	}
	// The table is keyed by an internal numeric version id; take the
	// highest-versioned entry that lists this model.
	var latest LatestFirmware
	bestID := -1
	for key, v := range byVersion {
		id, err := strconv.Atoi(key)
		if err != nil || id <= bestID {
			continue
		}
		entry, ok := v.(plist.Dict)
		if !ok {
			continue
		}
		byModel, ok := entry.Dict("MobileDeviceSoftwareVersionsByModel")
		if !ok {
			continue
		}
		modelEntry, ok := byModel.Dict(model)
		if !ok {
			continue
		}
		productVersion, _ := modelEntry.String("ProductVersion")
		if productVersion == "" {
			continue
		}
		buildVersion, _ := modelEntry.String("BuildVersion")
		firmwareURL, _ := modelEntry.String("FirmwareURL")
		bestID = id
		latest = LatestFirmware{Version: productVersion, Build: buildVersion, URL: firmwareURL}
	}
	if latest.Version == "" {
		return LatestFirmware{}, fmt.Errorf("versioncache: model %q not present in version document", model)
	}
	return latest, nil
}
