// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package flock

import (
	"path/filepath"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The lock file is left on disk and reusable by the next acquirer.
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireFailsWithMissingParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "does-not-exist.lock")
	if _, err := Acquire(path); err == nil {
		t.Fatal("Acquire with a missing parent directory should fail")
	}
}
