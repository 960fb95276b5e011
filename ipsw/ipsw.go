// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ipsw reads component and filesystem entries out of a local
// firmware archive, which is just a zip file, the same way the teacher's
// artifacts.ArchiveBuild treats a build's downloaded tarball as a handle
// onto named members rather than something extracted wholesale up front.
package ipsw

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
)

// Archive is an opened local IPSW zip file.
type Archive struct {
	path string
	zr   *zip.ReadCloser
}

// Open opens the zip archive at path.
func Open(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("ipsw: open %s: %w", path, err)
	}
	return &Archive{path: path, zr: zr}, nil
}

// Close releases the underlying zip reader.
func (a *Archive) Close() error {
	return a.zr.Close()
}

func (a *Archive) find(name string) (*zip.File, error) {
	for _, f := range a.zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("ipsw: %s: no such member in %s", name, a.path)
}

// ReadComponent extracts the named archive member fully into memory,
// which is how small components (kernel cache, ramdisk, device tree,
// firmware blobs) are read for hashing and personalization.
func (a *Archive) ReadComponent(name string) ([]byte, error) {
	f, err := a.find(name)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("ipsw: open member %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ExtractToFile extracts the named archive member to destPath, a path
// usually under a cache directory, streaming rather than buffering in
// memory for the large filesystem member.
func (a *Archive) ExtractToFile(name, destPath string) error {
	f, err := a.find(name)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("ipsw: open member %s: %w", name, err)
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("ipsw: create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("ipsw: extract %s to %s: %w", name, destPath, err)
	}
	return nil
}

// MemberSize returns the uncompressed size of the named member, used to
// validate a cached extraction without re-extracting it (spec.md §4.9
// step 12: "a cached file of the expected exact size already exists").
func (a *Archive) MemberSize(name string) (uint64, error) {
	f, err := a.find(name)
	if err != nil {
		return 0, err
	}
	return f.UncompressedSize64, nil
}
