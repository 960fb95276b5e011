// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package img3 provides byte-level helpers for the legacy signed-image
// format: a 12-byte unsigned header, a signed body starting at offset
// 0xC, and a fixed-size signature slot used to stitch a personalization
// ticket blob into an otherwise-unsigned image.
package img3

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of the unsigned header/magic region.
const HeaderSize = 0xC

// MinSize is the minimum length an image must have before its signed
// region can be meaningfully digested (spec.md §4.6 step 2).
const MinSize = 0x14

// SignatureSlotSize is the size of the IMG3 signature blob stitched in by
// Personalize.
const SignatureSlotSize = 64

// IsUnsigned reports whether the 4 bytes at offset 0xC are all zero,
// which marks the image as an unsigned/custom build (spec.md §4.6 step 3
// and §3's "Signed Image" data model entry).
func IsUnsigned(data []byte) bool {
	if len(data) < HeaderSize+4 {
		return true
	}
	return binary.LittleEndian.Uint32(data[HeaderSize:HeaderSize+4]) == 0
}

// SignedRegionDigest computes the SHA-1 digest over data[HeaderSize:],
// the signed body a ticket's byte stream is searched for (spec.md §4.6
// step 4). Returns an error if data is shorter than MinSize.
func SignedRegionDigest(data []byte) ([20]byte, error) {
	var digest [20]byte
	if len(data) < MinSize {
		return digest, fmt.Errorf("img3: image is %d bytes, shorter than minimum %#x", len(data), MinSize)
	}
	return sha1.Sum(data[HeaderSize:]), nil
}

// FindDigest linear-scans ticket for the 20-byte digest, returning true if
// found anywhere in the buffer (spec.md's APTicket data model: "a flat
// buffer that a component digest may be searched within by linear byte
// scan").
func FindDigest(ticket []byte, digest [20]byte) bool {
	if len(ticket) < len(digest) {
		return false
	}
	for i := 0; i+len(digest) <= len(ticket); i++ {
		if matchesAt(ticket, i, digest) {
			return true
		}
	}
	return false
}

func matchesAt(ticket []byte, offset int, digest [20]byte) bool {
	for j := range digest {
		if ticket[offset+j] != digest[j] {
			return false
		}
	}
	return true
}

// StitchSignature writes sig (which must be SignatureSlotSize bytes) into
// the signature slot of a copy of data, immediately following the
// unsigned header, and returns the stitched image. The caller's data is
// never mutated in place.
func StitchSignature(data, sig []byte) ([]byte, error) {
	if len(sig) != SignatureSlotSize {
		return nil, fmt.Errorf("img3: signature blob is %d bytes, want %d", len(sig), SignatureSlotSize)
	}
	if len(data) < HeaderSize+SignatureSlotSize {
		return nil, fmt.Errorf("img3: image is %d bytes, too short to hold a signature slot", len(data))
	}
	out := make([]byte, len(data))
	copy(out, data)
	copy(out[HeaderSize:HeaderSize+SignatureSlotSize], sig)
	return out, nil
}
