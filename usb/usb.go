// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package usb implements the low-level USB channel each device mode is
// driven over. This is the "external collaborator with a defined
// interface" spec.md §1 calls out; the Channel interface is the defined
// interface, and this file's gousb-backed implementation is the thin,
// concrete realization needed to run the program end to end. It is
// modeled directly on guiperry-HASHER's USBDevice: open a context, match
// a device by vendor/product ID, claim interface 0/alt 0, and drive the
// first bulk IN/OUT endpoint pair.
package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// VendorApple is the USB vendor ID every mode below is probed under.
const VendorApple gousb.ID = 0x05AC

// Product IDs for each device mode's USB personality. A device in Normal
// mode enumerates under one of several product IDs depending on model
// generation; DFU and WTF share a product ID and are disambiguated by the
// caller reading the device's mode string descriptor (see mode.Probe).
var (
	ProductDFU     gousb.ID = 0x1227
	ProductRecovery gousb.ID = 0x1281
	ProductRestore  gousb.ID = 0x1292
	ProductsNormal          = []gousb.ID{0x12A8, 0x12AA, 0x12AB, 0x12A0}
)

// Channel is a single opened USB connection to a device in some mode.
// mode and device build their per-mode protocol implementations on top of
// this rather than talking to gousb directly.
type Channel interface {
	// Send writes a buffer out the channel's bulk OUT endpoint, and fails
	// on a device that has none; control requests go through SendControl.
	Send(ctx context.Context, data []byte) error
	// SendControl issues a USB control transfer, used by DFU/Recovery for
	// command and status requests that don't go over the bulk pipe.
	SendControl(ctx context.Context, rType, request uint8, value, index uint16, data []byte) (int, error)
	// Recv reads up to len(buf) bytes from the bulk IN endpoint.
	Recv(ctx context.Context, buf []byte) (int, error)
	// Close releases the interface and device handle.
	Close() error
}

type channel struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint
	epOut  *gousb.OutEndpoint
}

// Open enumerates devices under VendorApple and opens the first one whose
// product ID is in candidates, claiming interface 0, alt-setting 0.
func Open(candidates ...gousb.ID) (Channel, error) {
	ctx := gousb.NewContext()

	var dev *gousb.Device
	var err error
	for _, pid := range candidates {
		dev, err = ctx.OpenDeviceWithVIDPID(VendorApple, pid)
		if err == nil && dev != nil {
			break
		}
	}
	if dev == nil {
		ctx.Close()
		if err == nil {
			err = fmt.Errorf("usb: no device matched vendor %#04x, products %v", VendorApple, candidates)
		}
		return nil, err
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: set config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb: claim interface: %w", err)
	}

	c := &channel{ctx: ctx, dev: dev, cfg: cfg, intf: intf}

	// Bulk endpoints are optional - DFU/Recovery speak mostly over control
	// transfers, so absence of a bulk pair here is not itself an error.
	if ep, err := intf.InEndpoint(1); err == nil {
		c.epIn = ep
	}
	if ep, err := intf.OutEndpoint(1); err == nil {
		c.epOut = ep
	}

	return c, nil
}

func (c *channel) Send(ctx context.Context, data []byte) error {
	if c.epOut == nil {
		return fmt.Errorf("usb: device has no bulk OUT endpoint")
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.epOut.WriteContext(cctx, data)
	return err
}

func (c *channel) Recv(ctx context.Context, buf []byte) (int, error) {
	if c.epIn == nil {
		return 0, fmt.Errorf("usb: device has no bulk IN endpoint")
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.epIn.ReadContext(cctx, buf)
}

func (c *channel) SendControl(ctx context.Context, rType, request uint8, value, index uint16, data []byte) (int, error) {
	return c.dev.Control(rType, request, value, index, data)
}

func (c *channel) Close() error {
	if c.intf != nil {
		c.intf.Close()
	}
	if c.cfg != nil {
		c.cfg.Close()
	}
	if c.dev != nil {
		c.dev.Close()
	}
	if c.ctx != nil {
		c.ctx.Close()
	}
	return nil
}
