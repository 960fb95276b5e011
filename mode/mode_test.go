// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mode

import "testing"

func TestModeString(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{Normal, "Normal"},
		{Recovery, "Recovery"},
		{DFU, "DFU"},
		{WTF, "WTF"},
		{Restore, "Restore"},
		{Unknown, "Unknown"},
		{Mode(99), "Unknown"},
	}
	for _, test := range tests {
		if got := test.mode.String(); got != test.want {
			t.Errorf("Mode(%d).String() = %q, want %q", test.mode, got, test.want)
		}
	}
}
