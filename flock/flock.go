// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package flock provides advisory file locking around the "<path>.lock"
// sibling of a cached extraction, so that concurrent runs sharing a cache
// directory don't race to create the "<path>.extract" sentinel. The lock
// is held only around sentinel creation, not around the extraction itself
// (see restore.Orchestrator.extractFilesystem).
package flock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a ".lock" file.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) path and takes an exclusive
// flock(2) on it, blocking until available.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("flock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: lock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file. The lock file itself is
// left on disk for the next acquirer to reuse.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("flock: unlock: %w", err)
	}
	return l.f.Close()
}
