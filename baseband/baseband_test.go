// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package baseband

import (
	"testing"

	"github.com/Trsvsr/idevicererestore/plist"
)

func TestIdentityIndex(t *testing.T) {
	tests := []struct {
		product string
		want    int
	}{
		{"iPhone5,2", 0},
		{"iPad3,5", 0},
		{"iPhone5,4", 2},
		{"iPad3,6", 2},
		{"iPhone5,1", 4},
		{"iPad3,4", 4},
		{"iPhone5,3", 6},
		{"iPhone3,1", -1},
	}
	for _, test := range tests {
		if got := identityIndex(test.product); got != test.want {
			t.Errorf("identityIndex(%q) = %d, want %d", test.product, got, test.want)
		}
	}
}

func TestFieldsEqualMatchingData(t *testing.T) {
	local := plist.Dict{
		"Info": plist.Dict{"Path": "baseband.local.bbfw"},
		"Blob": plist.Data([]byte{0x01, 0x02, 0x03}),
		"Size": uint64(1024),
	}
	remote := plist.Dict{
		"Info": plist.Dict{"Path": "baseband.remote.bbfw"},
		"Blob": plist.Data([]byte{0x01, 0x02, 0x03}),
		"Size": uint64(1024),
	}
	if !fieldsEqual(local, remote) {
		t.Error("fieldsEqual should treat Info paths as don't-care and match on Blob/Size")
	}
}

func TestFieldsEqualDiffersOnData(t *testing.T) {
	local := plist.Dict{"Blob": plist.Data([]byte{0x01, 0x02})}
	remote := plist.Dict{"Blob": plist.Data([]byte{0x01, 0x03})}
	if fieldsEqual(local, remote) {
		t.Error("fieldsEqual should detect differing DATA content")
	}
}

func TestFieldsEqualDiffersOnSize(t *testing.T) {
	local := plist.Dict{"Blob": plist.Data([]byte{0x01, 0x02, 0x03})}
	remote := plist.Dict{"Blob": plist.Data([]byte{0x01, 0x02})}
	if fieldsEqual(local, remote) {
		t.Error("fieldsEqual should detect differing DATA length")
	}
}

func TestFieldsEqualMissingKey(t *testing.T) {
	local := plist.Dict{"Blob": plist.Data([]byte{0x01}), "Extra": uint64(1)}
	remote := plist.Dict{"Blob": plist.Data([]byte{0x01})}
	if fieldsEqual(local, remote) {
		t.Error("fieldsEqual should fail when key counts differ")
	}
}

func TestFieldsEqualNilIsMismatch(t *testing.T) {
	if fieldsEqual(nil, plist.Dict{}) {
		t.Error("fieldsEqual(nil, ...) should be false")
	}
}
