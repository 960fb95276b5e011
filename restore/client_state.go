// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package restore

import (
	"fmt"

	"github.com/Trsvsr/idevicererestore/manifest"
	"github.com/Trsvsr/idevicererestore/mode"
	"github.com/Trsvsr/idevicererestore/plist"
)

// Flag is the bitset over spec.md §3's Client State flags.
type Flag uint

const (
	FlagErase Flag = 1 << iota
	FlagUpdate
	FlagRerestore
	FlagLatest
	FlagCustom
	FlagDebug
	FlagNoAction
	FlagShshOnly
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// ClientState is the single mutable owner of restore progress spec.md §3
// describes; only the Orchestrator mutates it.
type ClientState struct {
	Flags Flag

	IPSWPath string
	CacheDir string

	Mode    mode.Mode
	Product string // device product type, e.g. "iPhone3,1"
	Model   string // hardware model / DeviceClass, e.g. "N90AP"
	ECID    uint64

	Nonce    []byte
	SepNonce []byte

	Version    string
	Build      string
	BuildMajor int

	Image4Supported bool

	Ticket plist.Dict
	TSSURL string

	Serial string // srnm, required before entering Restore mode

	PreflightInfo plist.Dict

	BasebandPath    string
	OTAManifestPath string

	Identity manifest.Identity
}

// NormalizeFlags applies spec.md §3's invariant: Rerestore without
// Erase/Update is normalized to Rerestore|Erase. Latest and Custom being
// mutually exclusive is validated, not silently fixed, since there's no
// single correct way to resolve that conflict for the caller.
func (c *ClientState) NormalizeFlags() error {
	if c.Flags.has(FlagLatest) && c.Flags.has(FlagCustom) {
		return fmt.Errorf("%w: Latest and Custom flags are mutually exclusive", ErrConfiguration)
	}
	if c.Flags.has(FlagRerestore) && !c.Flags.has(FlagErase) && !c.Flags.has(FlagUpdate) {
		c.Flags |= FlagRerestore | FlagErase
	}
	return nil
}

// Behavior returns the RestoreBehavior the Erase/Update flags select.
func (c *ClientState) Behavior() manifest.RestoreBehavior {
	if c.Flags.has(FlagUpdate) {
		return manifest.Update
	}
	return manifest.Erase
}

// SetBehavior flips the Erase/Update flag pair to match behavior,
// maintaining spec.md §4.6's invariant that flag and identity are always
// updated together.
func (c *ClientState) SetBehavior(b manifest.RestoreBehavior) {
	c.Flags &^= FlagErase | FlagUpdate
	if b == manifest.Update {
		c.Flags |= FlagUpdate
	} else {
		c.Flags |= FlagErase
	}
}
