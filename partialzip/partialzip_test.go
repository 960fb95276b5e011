// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package partialzip

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func buildTestZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create(%s): %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip Write(%s): %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	return buf.Bytes()
}

func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "archive.zip", time.Unix(0, 0), bytes.NewReader(content))
	}))
}

func TestFetchToMemory(t *testing.T) {
	content := buildTestZip(t, map[string][]byte{
		"BuildManifest.plist": []byte("manifest-bytes"),
	})
	srv := rangeServer(t, content)
	defer srv.Close()

	data, err := FetchToMemory(srv.URL, "BuildManifest.plist")
	if err != nil {
		t.Fatalf("FetchToMemory: %v", err)
	}
	if !bytes.Equal(data, []byte("manifest-bytes")) {
		t.Errorf("FetchToMemory = %q, want %q", data, "manifest-bytes")
	}

	if _, err := FetchToMemory(srv.URL, "missing"); err == nil {
		t.Error("FetchToMemory for missing member should fail")
	}
}

func TestFetchToFile(t *testing.T) {
	content := buildTestZip(t, map[string][]byte{
		"Firmware/baseband.bbfw": []byte("baseband-bytes"),
	})
	srv := rangeServer(t, content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "bbfw.tmp")
	if err := FetchToFile(srv.URL, "Firmware/baseband.bbfw", dest); err != nil {
		t.Fatalf("FetchToFile: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("baseband-bytes")) {
		t.Errorf("fetched content = %q, want %q", got, "baseband-bytes")
	}
}
