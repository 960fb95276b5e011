// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package device implements C2, the Device Query: a single capability
// interface with a per-mode implementation, mirroring the teacher's
// target.Target pattern (botanist/target/qemu.go) where the orchestrator
// holds one tagged implementation rather than switching on mode at every
// call site.
package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Trsvsr/idevicererestore/mode"
	"github.com/Trsvsr/idevicererestore/plist"
	"github.com/Trsvsr/idevicererestore/usb"
)

// ErrInvalidState is returned when the current mode has no Capabilities
// implementation (spec.md §4.2: "Errors bubble as 'device in invalid
// state' if the mode has no implementation").
var ErrInvalidState = errors.New("device in invalid state")

// Info is the device info record spec.md §3 requires, carrying the IBFL
// boot-flags field the orchestrator interprets after iBEC.
type Info struct {
	IBFL uint64
	Raw  plist.Dict
}

// Capabilities is the per-mode device query surface.
type Capabilities interface {
	ReadHardwareModel(ctx context.Context) (string, error)
	ReadProductType(ctx context.Context) (string, error)
	ReadECID(ctx context.Context) (uint64, error)
	ReadAPNonce(ctx context.Context) ([]byte, error)
	ReadSEPNonce(ctx context.Context) ([]byte, error)
	IsImage4Supported(ctx context.Context) (bool, error)
	ReadDeviceInfo(ctx context.Context) (Info, error)
	Close() error
}

// productByCPID maps the bootrom chip-id reported in DFU/Recovery mode to
// the device's product type string (spec.md §3's "resolved device
// descriptor (hardware model, product type)"), since pre-boot modes have
// no lockdownd to ask directly. Covers the legacy, pre-Image4 family this
// module targets.
var productByCPID = map[string]string{
	"8900": "iPod3,1",
	"8720": "iPhone2,1",
	"8922": "iPod4,1",
	"8930": "iPhone3,1",
	"8940": "iPad1,1",
	"8945": "iPhone4,1",
	"8950": "iPad2,1",
}

// Open returns the Capabilities implementation for the given mode,
// opening whatever USB channel that mode's protocol uses.
func Open(ctx context.Context, m mode.Mode) (Capabilities, error) {
	switch m {
	case mode.Normal:
		ch, err := usb.Open(usb.ProductsNormal...)
		if err != nil {
			return nil, fmt.Errorf("device: open normal channel: %w", err)
		}
		return &normalCaps{ch: ch}, nil
	case mode.Recovery:
		ch, err := usb.Open(usb.ProductRecovery)
		if err != nil {
			return nil, fmt.Errorf("device: open recovery channel: %w", err)
		}
		return &serialCaps{ch: ch}, nil
	case mode.DFU, mode.WTF:
		ch, err := usb.Open(usb.ProductDFU)
		if err != nil {
			return nil, fmt.Errorf("device: open DFU channel: %w", err)
		}
		return &serialCaps{ch: ch}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidState, "mode %s", m)
	}
}

// --- Recovery/DFU: fields are carried in the USB iSerialNumber string ---
//
// Real DFU/Recovery-mode bootroms expose CPID/ECID/IBFL etc. as a
// colon-delimited key:value string descriptor (e.g.
// "CPID:8930 CPRV:11 ECID:0000000012345678 IBFL:03"); serialCaps parses
// that rather than speaking a request/response protocol over the bulk
// pipe, matching how the real hardware behaves.
type serialCaps struct {
	ch     usb.Channel
	cached map[string]string
}

func (s *serialCaps) fields(ctx context.Context) (map[string]string, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	buf := make([]byte, 256)
	n, err := s.ch.SendControl(ctx, 0x80, 0x06, 0x0303, 0x0409, buf)
	if err != nil {
		return nil, fmt.Errorf("device: read serial descriptor: %w", err)
	}
	raw := string(buf[:n])

	fields := map[string]string{}
	for _, tok := range strings.Fields(raw) {
		kv := strings.SplitN(tok, ":", 2)
		if len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}
	s.cached = fields
	return fields, nil
}

func (s *serialCaps) ReadHardwareModel(ctx context.Context) (string, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return "", err
	}
	cpid, ok := f["CPID"]
	if !ok {
		return "", fmt.Errorf("device: serial descriptor has no CPID field")
	}
	return "p" + strings.ToLower(cpid), nil
}

func (s *serialCaps) ReadProductType(ctx context.Context) (string, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return "", err
	}
	cpid, ok := f["CPID"]
	if !ok {
		return "", fmt.Errorf("device: serial descriptor has no CPID field")
	}
	product, ok := productByCPID[strings.ToUpper(cpid)]
	if !ok {
		return "", fmt.Errorf("device: no known product type for CPID %q", cpid)
	}
	return product, nil
}

func (s *serialCaps) ReadECID(ctx context.Context) (uint64, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return 0, err
	}
	ecidStr, ok := f["ECID"]
	if !ok {
		return 0, fmt.Errorf("device: serial descriptor has no ECID field")
	}
	ecid, err := strconv.ParseUint(ecidStr, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("device: parse ECID %q: %w", ecidStr, err)
	}
	return ecid, nil
}

func (s *serialCaps) ReadAPNonce(ctx context.Context) ([]byte, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return nil, err
	}
	nonceStr, ok := f["NONC"]
	if !ok {
		return nil, fmt.Errorf("device: serial descriptor has no NONC field")
	}
	return decodeHex(nonceStr)
}

func (s *serialCaps) ReadSEPNonce(ctx context.Context) ([]byte, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return nil, err
	}
	nonceStr, ok := f["SNON"]
	if !ok {
		return nil, nil // best-effort per spec.md §4.5 step 3
	}
	return decodeHex(nonceStr)
}

func (s *serialCaps) IsImage4Supported(ctx context.Context) (bool, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return false, err
	}
	// Image4-capable bootroms advertise a SRTG field; its absence marks a
	// pre-Image4 (IMG3-only) device, which is what this module targets.
	_, has := f["SRTG"]
	return has, nil
}

func (s *serialCaps) ReadDeviceInfo(ctx context.Context) (Info, error) {
	f, err := s.fields(ctx)
	if err != nil {
		return Info{}, err
	}
	var ibfl uint64
	if v, ok := f["IBFL"]; ok {
		ibfl, _ = strconv.ParseUint(v, 16, 64)
	}
	d := plist.Dict{}
	for k, v := range f {
		d[k] = v
	}
	return Info{IBFL: ibfl, Raw: d}, nil
}

func (s *serialCaps) Close() error { return s.ch.Close() }

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("device: odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// --- Normal mode: lockdownd-style plist request/response ---

type normalCaps struct {
	ch    usb.Channel
	cache map[string]interface{}
}

func (n *normalCaps) query(ctx context.Context, key string) (interface{}, error) {
	req := plist.Dict{"Request": "GetValue"}
	if key != "" {
		req["Key"] = key
	}
	payload, err := plist.EncodeXML(req)
	if err != nil {
		return nil, err
	}
	if err := n.ch.Send(ctx, payload); err != nil {
		return nil, fmt.Errorf("device: lockdown request: %w", err)
	}
	buf := make([]byte, 64*1024)
	nRead, err := n.ch.Recv(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("device: lockdown response: %w", err)
	}
	resp, err := plist.Decode(buf[:nRead])
	if err != nil {
		return nil, fmt.Errorf("device: lockdown response decode: %w", err)
	}
	v, ok := resp["Value"]
	if !ok {
		return nil, fmt.Errorf("device: lockdown response has no Value")
	}
	return v, nil
}

func (n *normalCaps) ReadHardwareModel(ctx context.Context) (string, error) {
	v, err := n.query(ctx, "HardwareModel")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("device: HardwareModel is not a string")
	}
	return s, nil
}

func (n *normalCaps) ReadProductType(ctx context.Context) (string, error) {
	v, err := n.query(ctx, "ProductType")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("device: ProductType is not a string")
	}
	return s, nil
}

func (n *normalCaps) ReadECID(ctx context.Context) (uint64, error) {
	v, err := n.query(ctx, "UniqueChipID")
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case uint64:
		return t, nil
	case string:
		ecid, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, err
		}
		return ecid, nil
	default:
		return 0, fmt.Errorf("device: UniqueChipID has unexpected type %T", v)
	}
}

func (n *normalCaps) ReadAPNonce(ctx context.Context) ([]byte, error) {
	v, err := n.query(ctx, "ApNonce")
	if err != nil {
		return nil, err
	}
	d, ok := v.(plist.Data)
	if !ok {
		return nil, fmt.Errorf("device: ApNonce is not data")
	}
	return []byte(d), nil
}

func (n *normalCaps) ReadSEPNonce(ctx context.Context) ([]byte, error) {
	v, err := n.query(ctx, "SepNonce")
	if err != nil {
		return nil, nil // best-effort, per spec.md §4.5 step 3
	}
	d, ok := v.(plist.Data)
	if !ok {
		return nil, nil
	}
	return []byte(d), nil
}

func (n *normalCaps) IsImage4Supported(ctx context.Context) (bool, error) {
	v, err := n.query(ctx, "Image4Supported")
	if err != nil {
		return false, nil // absence means "not supported" on legacy devices
	}
	b, _ := v.(bool)
	return b, nil
}

func (n *normalCaps) ReadDeviceInfo(ctx context.Context) (Info, error) {
	v, err := n.query(ctx, "")
	if err != nil {
		return Info{}, err
	}
	d, ok := v.(plist.Dict)
	if !ok {
		// A Value that is not a dictionary yields an empty record (IBFL 0);
		// a device record returned at the top level of the response,
		// outside Value, is not read.
		d = plist.Dict{}
	}
	var ibfl uint64
	if raw, ok := d.Uint("IBFL"); ok {
		ibfl = raw
	}
	return Info{IBFL: ibfl, Raw: d}, nil
}

// PreflightInfo reads the baseband preflight dictionary captured in Normal
// mode (spec.md §4.5 step 5); returns (nil, nil) if the device has none.
func (n *normalCaps) PreflightInfo(ctx context.Context) (plist.Dict, error) {
	v, err := n.query(ctx, "BasebandPreflightInfo")
	if err != nil {
		return nil, nil
	}
	d, ok := v.(plist.Dict)
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (n *normalCaps) Close() error { return n.ch.Close() }

// PreflightInfo exposes normalCaps.PreflightInfo to callers holding only a
// Capabilities value, the way the orchestrator does (spec.md restricts
// baseband preflight reads to Normal mode; a type assertion here is the
// idiomatic Go way to reach a capability only some implementations have).
func PreflightInfo(ctx context.Context, caps Capabilities) (plist.Dict, error) {
	n, ok := caps.(*normalCaps)
	if !ok {
		return nil, nil
	}
	return n.PreflightInfo(ctx)
}

// RawChannel exposes the usb.Channel backing caps, for the mode-transition
// commands (the Normal-mode EnterRecovery request and the DFU-mode iBEC
// send) that the orchestrator issues directly rather than through the
// Device Query surface; the APTicket and WTF-blob sends open their own
// usb channel instead. spec.md's Design Notes group per-mode device query and
// transport dispatch together, but the transport commands themselves
// belong to C9, not C2, so this package only exposes the channel rather
// than also owning command framing it has no spec-given shape for.
func RawChannel(caps Capabilities) usb.Channel {
	switch c := caps.(type) {
	case *serialCaps:
		return c.ch
	case *normalCaps:
		return c.ch
	default:
		return nil
	}
}
