// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package personalize

import (
	"bytes"
	"context"
	"testing"

	"github.com/Trsvsr/idevicererestore/img3"
	"github.com/Trsvsr/idevicererestore/plist"
)

func TestPersonalizeCopiesUnchangedWhenNoTicketEntry(t *testing.T) {
	data := []byte("raw-component-bytes")
	out, err := Personalize(context.Background(), "KernelCache", data, plist.Dict{})
	if err != nil {
		t.Fatalf("Personalize: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("Personalize = %q, want unchanged %q", out, data)
	}
}

func TestPersonalizeStitchesIMG3Slot(t *testing.T) {
	data := make([]byte, img3.HeaderSize+img3.SignatureSlotSize+16)
	sig := bytes.Repeat([]byte{0xCD}, img3.SignatureSlotSize)
	ticket := plist.Dict{"KernelCache": plist.Data(sig)}

	out, err := Personalize(context.Background(), "KernelCache", data, ticket)
	if err != nil {
		t.Fatalf("Personalize: %v", err)
	}
	if !bytes.Equal(out[img3.HeaderSize:img3.HeaderSize+img3.SignatureSlotSize], sig) {
		t.Error("Personalize did not stitch the signature slot")
	}
}

func TestPersonalizeWrongSizeEntryFails(t *testing.T) {
	data := make([]byte, img3.HeaderSize+img3.SignatureSlotSize+16)
	ticket := plist.Dict{"KernelCache": plist.Data([]byte{0x01, 0x02})}

	if _, err := Personalize(context.Background(), "KernelCache", data, ticket); err == nil {
		t.Error("Personalize with wrong-size ticket entry should fail")
	}
}

func TestPersonalizeIMG4TicketBlob(t *testing.T) {
	data := []byte("raw-component-bytes")
	ticket := plist.Dict{"ApImg4Ticket": plist.Data([]byte("im4m-bytes"))}

	out, err := Personalize(context.Background(), "KernelCache", data, ticket)
	if err != nil {
		t.Fatalf("Personalize: %v", err)
	}
	if !bytes.Contains(out, []byte("IMG4")) || !bytes.Contains(out, data) {
		t.Errorf("Personalize IMG4 path = %q, want it to contain IMG4 marker and original data", out)
	}
}
