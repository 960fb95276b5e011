// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ramdisk

import (
	"archive/zip"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/Trsvsr/idevicererestore/img3"
	"github.com/Trsvsr/idevicererestore/manifest"
	"github.com/Trsvsr/idevicererestore/plist"
)

func signedImage(body []byte) []byte {
	img := make([]byte, img3.HeaderSize+len(body))
	img[img3.HeaderSize] = 0x01 // non-zero dword at 0xC marks it signed
	copy(img[img3.HeaderSize:], body)
	return img
}

func buildArchive(t *testing.T, eraseRamdisk, updateRamdisk []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ipsw")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, data := range map[string][]byte{
		"018-erase.dmg":  eraseRamdisk,
		"018-update.dmg": updateRamdisk,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	f.Close()
	return path
}

func buildManifest(t *testing.T) (*manifest.Manifest, manifest.Identity, manifest.Identity) {
	t.Helper()
	raw, err := plist.EncodeXML(plist.Dict{
		"BuildIdentities": plist.Array{
			plist.Dict{
				"Info": plist.Dict{"DeviceClass": "iPhone3,1", "RestoreBehavior": "Erase"},
				"Manifest": plist.Dict{
					"RestoreRamDisk": plist.Dict{"Info": plist.Dict{"Path": "018-erase.dmg"}},
				},
			},
			plist.Dict{
				"Info": plist.Dict{"DeviceClass": "iPhone3,1", "RestoreBehavior": "Update"},
				"Manifest": plist.Dict{
					"RestoreRamDisk": plist.Dict{"Info": plist.Dict{"Path": "018-update.dmg"}},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("EncodeXML: %v", err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	erase, err := m.IdentityForModelAndBehavior("iPhone3,1", manifest.Erase)
	if err != nil {
		t.Fatalf("erase identity: %v", err)
	}
	update, err := m.IdentityForModelAndBehavior("iPhone3,1", manifest.Update)
	if err != nil {
		t.Fatalf("update identity: %v", err)
	}
	return m, erase, update
}

func TestReconcileMatchesCurrentIdentity(t *testing.T) {
	eraseBody := []byte("erase-ramdisk-body")
	updateBody := []byte("update-ramdisk-body")
	eraseImg := signedImage(eraseBody)
	updateImg := signedImage(updateBody)
	path := buildArchive(t, eraseImg, updateImg)
	m, erase, _ := buildManifest(t)

	digest := sha1.Sum(eraseImg[img3.HeaderSize:])
	ticket := append([]byte("prefix-"), digest[:]...)

	out, err := Reconcile(context.Background(), path, m, "iPhone3,1", erase, manifest.Erase, ticket)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Behavior != manifest.Erase || out.Custom {
		t.Errorf("Reconcile = %+v, want Erase/not-custom", out)
	}
}

func TestReconcileFlipsToUpdate(t *testing.T) {
	eraseImg := signedImage([]byte("erase-ramdisk-body"))
	updateImg := signedImage([]byte("update-ramdisk-body"))
	path := buildArchive(t, eraseImg, updateImg)
	m, erase, _ := buildManifest(t)

	digest := sha1.Sum(updateImg[img3.HeaderSize:])
	ticket := append([]byte("prefix-"), digest[:]...)

	out, err := Reconcile(context.Background(), path, m, "iPhone3,1", erase, manifest.Erase, ticket)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Behavior != manifest.Update || out.Custom {
		t.Errorf("Reconcile = %+v, want Update/not-custom after flip", out)
	}
}

func TestReconcileFallsBackToCustom(t *testing.T) {
	eraseImg := signedImage([]byte("erase-ramdisk-body"))
	updateImg := signedImage([]byte("update-ramdisk-body"))
	path := buildArchive(t, eraseImg, updateImg)
	m, erase, _ := buildManifest(t)

	ticket := []byte("no matching digest anywhere in here")

	out, err := Reconcile(context.Background(), path, m, "iPhone3,1", erase, manifest.Erase, ticket)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Behavior != manifest.Erase || !out.Custom {
		t.Errorf("Reconcile = %+v, want Erase/custom after exhausting both attempts", out)
	}
}

func TestReconcileUnsignedImageAbortsWithCustom(t *testing.T) {
	unsignedImg := make([]byte, 0x20) // all-zero dword at 0xC
	updateImg := signedImage([]byte("update-ramdisk-body"))
	path := buildArchive(t, unsignedImg, updateImg)
	m, erase, _ := buildManifest(t)

	out, err := Reconcile(context.Background(), path, m, "iPhone3,1", erase, manifest.Erase, []byte("anything"))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !out.Custom {
		t.Errorf("Reconcile = %+v, want Custom=true for unsigned ramdisk", out)
	}
}
