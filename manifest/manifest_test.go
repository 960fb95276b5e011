// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package manifest

import (
	"testing"

	"github.com/Trsvsr/idevicererestore/plist"
)

func testManifest(t *testing.T) *Manifest {
	t.Helper()
	raw, err := plist.EncodeXML(plist.Dict{
		"ProductVersion":        "6.1.3",
		"ProductBuildVersion":   "10B329",
		"SupportedProductTypes": plist.Array{"iPhone3,1"},
		"BuildIdentities": plist.Array{
			plist.Dict{
				"Info": plist.Dict{
					"DeviceClass":     "iPhone3,1",
					"RestoreBehavior": "Erase",
					"Variant":         "Customer Erase Install (IPSW)",
				},
				"Manifest": plist.Dict{
					"KernelCache": plist.Dict{
						"Info": plist.Dict{"Path": "kernelcache.release.n90"},
					},
				},
			},
			plist.Dict{
				"Info": plist.Dict{
					"DeviceClass":     "iPhone3,1",
					"RestoreBehavior": "Update",
					"Variant":         "Customer Upgrade Install (IPSW)",
				},
				"Manifest": plist.Dict{},
			},
		},
	})
	if err != nil {
		t.Fatalf("EncodeXML: %v", err)
	}
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestEnumIdentities(t *testing.T) {
	m := testManifest(t)
	if got := m.EnumIdentities(); got != 2 {
		t.Errorf("EnumIdentities() = %d, want 2", got)
	}
}

func TestIdentityForModelAndBehavior(t *testing.T) {
	m := testManifest(t)

	id, err := m.IdentityForModelAndBehavior("iphone3,1", Erase)
	if err != nil {
		t.Fatalf("IdentityForModelAndBehavior(Erase): %v", err)
	}
	if id.RestoreBehavior != Erase {
		t.Errorf("RestoreBehavior = %q, want Erase", id.RestoreBehavior)
	}

	if _, err := m.IdentityForModelAndBehavior("ipad1,1", Erase); err == nil {
		t.Error("expected no-match error for unknown model")
	}
}

func TestCheckCompatibility(t *testing.T) {
	m := testManifest(t)
	if !m.CheckCompatibility("iPhone3,1") {
		t.Error("CheckCompatibility(iPhone3,1) = false, want true")
	}
	if m.CheckCompatibility("iPhone4,1") {
		t.Error("CheckCompatibility(iPhone4,1) = true, want false")
	}
}

func TestComponentPath(t *testing.T) {
	m := testManifest(t)
	id, err := m.IdentityForModelAndBehavior("iPhone3,1", Erase)
	if err != nil {
		t.Fatalf("IdentityForModelAndBehavior: %v", err)
	}

	path, err := ComponentPath(id, "KernelCache")
	if err != nil {
		t.Fatalf("ComponentPath: %v", err)
	}
	if path != "kernelcache.release.n90" {
		t.Errorf("ComponentPath = %q, want %q", path, "kernelcache.release.n90")
	}

	if _, err := ComponentPath(id, "RestoreRamDisk"); err == nil {
		t.Error("ComponentPath for missing component should fail")
	}

	updateID, err := m.IdentityForModelAndBehavior("iPhone3,1", Update)
	if err != nil {
		t.Fatalf("IdentityForModelAndBehavior(Update): %v", err)
	}
	if _, err := ComponentPath(updateID, "KernelCache"); err == nil {
		t.Error("ComponentPath for empty Manifest dict should fail")
	}
}

func TestVersionInfo(t *testing.T) {
	m := testManifest(t)
	vi, err := m.VersionInfo()
	if err != nil {
		t.Fatalf("VersionInfo: %v", err)
	}
	if vi.Version != "6.1.3" || vi.Build != "10B329" || vi.BuildMajor != 10 {
		t.Errorf("VersionInfo = %+v, want Version=6.1.3 Build=10B329 BuildMajor=10", vi)
	}
}

func TestDecimalPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"10B329", 10},
		{"8A293", 8},
		{"", 0},
		{"N90AP", 0},
	}
	for _, test := range tests {
		if got := decimalPrefix(test.in); got != test.want {
			t.Errorf("decimalPrefix(%q) = %d, want %d", test.in, got, test.want)
		}
	}
}
