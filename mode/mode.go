// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package mode implements C1, the Mode Probe: detecting which of
// {Normal, Recovery, DFU, WTF, Restore, Unknown} the attached device is
// currently in.
package mode

import (
	"context"

	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/usb"
)

// Mode is a tagged enumeration over the device's boot/recovery state. The
// numeric value is the stable index spec.md §3 requires; String gives the
// human-readable name.
type Mode int

const (
	Unknown Mode = iota
	Normal
	Recovery
	DFU
	WTF
	Restore
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Recovery:
		return "Recovery"
	case DFU:
		return "DFU"
	case WTF:
		return "WTF"
	case Restore:
		return "Restore"
	default:
		return "Unknown"
	}
}

// dfuModeString reads the DFU device's string descriptor (index 4), which
// probeDFU uses to disambiguate DFU from WTF: a string beginning with "WTF"
// marks WTF mode, and any other string (or none) marks DFU.
func dfuModeString(ch usb.Channel) string {
	buf := make([]byte, 256)
	n, err := ch.SendControl(context.Background(), 0x80, 0x06, 0x0304, 0x0409, buf)
	if err != nil || n == 0 {
		return ""
	}
	return string(buf[:n])
}

// Probe tries, in order, the recovery probe, the DFU probe (which may
// resolve to DFU or WTF), the normal probe, and the restore probe; the
// first that successfully opens a channel determines the mode. It never
// itself returns an error for "nothing attached" - that case is Unknown.
func Probe(ctx context.Context) Mode {
	if probeRecovery(ctx) {
		logging.Debugf(ctx, "mode probe: device answered on the recovery channel")
		return Recovery
	}
	if m, ok := probeDFU(ctx); ok {
		logging.Debugf(ctx, "mode probe: device answered on the DFU channel as %s", m)
		return m
	}
	if probeNormal(ctx) {
		logging.Debugf(ctx, "mode probe: device answered on the normal channel")
		return Normal
	}
	if probeRestore(ctx) {
		logging.Debugf(ctx, "mode probe: device answered on the restore channel")
		return Restore
	}
	return Unknown
}

func probeRecovery(ctx context.Context) bool {
	ch, err := usb.Open(usb.ProductRecovery)
	if err != nil {
		return false
	}
	defer ch.Close()
	return true
}

// probeDFU opens the shared DFU/WTF product ID and disambiguates by
// reading the device's mode string, per spec.md §4.1 ("DFU and WTF are
// distinguished by the DFU probe's sub-result").
func probeDFU(ctx context.Context) (Mode, bool) {
	ch, err := usb.Open(usb.ProductDFU)
	if err != nil {
		return Unknown, false
	}
	defer ch.Close()

	s := dfuModeString(ch)
	if len(s) >= 3 && s[:3] == "WTF" {
		return WTF, true
	}
	return DFU, true
}

func probeNormal(ctx context.Context) bool {
	ch, err := usb.Open(usb.ProductsNormal...)
	if err != nil {
		return false
	}
	defer ch.Close()
	return true
}

func probeRestore(ctx context.Context) bool {
	ch, err := usb.Open(usb.ProductRestore)
	if err != nil {
		return false
	}
	defer ch.Close()
	return true
}
