// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tss

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Trsvsr/idevicererestore/manifest"
	"github.com/Trsvsr/idevicererestore/plist"
)

func writeCachedTicket(t *testing.T, cacheDir string, p Params, ticket plist.Dict) {
	t.Helper()
	raw, err := plist.EncodeBinary(ticket)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	dir := filepath.Join(cacheDir, "shsh")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(dir, ticketFileName(p))
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("gzip Write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
}

func ticketFileName(p Params) string {
	c := NewClient("", true)
	return filepath.Base(c.shshPath(p))
}

func TestFetchTicketUsesCachedCopy(t *testing.T) {
	dir := t.TempDir()
	p := Params{ECID: 0x1234, Product: "iPhone3,1", Version: "6.1.3", Build: "10B329"}
	writeCachedTicket(t, dir, p, plist.Dict{"Marker": "cached-ticket"})

	c := NewClient(dir, true)
	identity := manifest.Identity{Raw: plist.Dict{}}

	ticket, err := c.FetchTicket(context.Background(), identity, p)
	if err != nil {
		t.Fatalf("FetchTicket: %v", err)
	}
	if v, _ := ticket.String("Marker"); v != "cached-ticket" {
		t.Errorf("FetchTicket returned %v, want cached ticket", ticket)
	}
}

func TestFixupTicket(t *testing.T) {
	ticket := plist.Dict{
		"RestoreLogo":        plist.Dict{},
		"AppleLogo":          plist.Dict{"Blob": plist.Data([]byte{0x01})},
		"RestoreDeviceTree":  plist.Dict{"Already": "populated"},
		"DeviceTree":         plist.Dict{"Blob": plist.Data([]byte{0x02})},
		"RestoreKernelCache": plist.Dict{},
		"KernelCache":        plist.Dict{},
	}
	FixupTicket(ticket)

	logo, ok := ticket["RestoreLogo"].(plist.Dict)
	if !ok || logo["Blob"] == nil {
		t.Errorf("RestoreLogo should have been filled from AppleLogo, got %v", ticket["RestoreLogo"])
	}
	deviceTree, ok := ticket["RestoreDeviceTree"].(plist.Dict)
	if !ok || deviceTree["Already"] != "populated" {
		t.Errorf("RestoreDeviceTree should have been left alone, got %v", ticket["RestoreDeviceTree"])
	}
	kernelCache, ok := ticket["RestoreKernelCache"].(plist.Dict)
	if !ok || len(kernelCache) != 0 {
		t.Errorf("RestoreKernelCache should stay empty since KernelCache is also empty, got %v", ticket["RestoreKernelCache"])
	}
}

func TestSaveShshOnlySkipsExisting(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(dir, true)
	p := Params{ECID: 1, Product: "iPhone3,1", Version: "6.1.3", Build: "10B329"}

	if err := c.SaveShshOnly(plist.Dict{"Marker": "first"}, p); err != nil {
		t.Fatalf("SaveShshOnly: %v", err)
	}
	path := c.shshPath(p)
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if err := c.SaveShshOnly(plist.Dict{"Marker": "second"}, p); err != nil {
		t.Fatalf("SaveShshOnly (second): %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile (second): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("SaveShshOnly should not overwrite an existing ticket file")
	}
}

func TestBuildRequestMergesIdentityAndParams(t *testing.T) {
	c := NewClient(t.TempDir(), false)
	identity := manifest.Identity{Raw: plist.Dict{
		"Info": plist.Dict{"DeviceClass": "iPhone3,1"},
		"Manifest": plist.Dict{
			"KernelCache": plist.Dict{"Digest": plist.Data([]byte{0x01})},
		},
	}}
	p := Params{ECID: 42, ApNonce: []byte{0xAA, 0xBB}, Image4Supported: false}

	req := c.buildRequest(identity, p)
	if v, ok := req["ApECID"].(uint64); !ok || v != 42 {
		t.Errorf("ApECID = %v, want 42", req["ApECID"])
	}
	if _, ok := req["KernelCache"]; !ok {
		t.Error("buildRequest should merge manifest-sourced component entries")
	}
	if _, ok := req["@APTicket"]; !ok {
		t.Error("buildRequest should append IMG3 tags when Image4Supported is false")
	}
}
