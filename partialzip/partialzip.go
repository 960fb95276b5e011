// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package partialzip fetches a single named member out of a remote zip
// archive using HTTP Range requests, without downloading the whole
// archive - the baseband reconciliation path only needs BuildManifest.plist
// and the baseband blob out of a multi-gigabyte remote IPSW.
package partialzip

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
)

// httpReaderAt adapts a remote URL that answers Range requests into an
// io.ReaderAt, the shape archive/zip.NewReader wants for its central
// directory lookups.
type httpReaderAt struct {
	client *http.Client
	url    string
	size   int64
}

func newHTTPReaderAt(client *http.Client, url string) (*httpReaderAt, error) {
	resp, err := client.Head(url)
	if err != nil {
		return nil, fmt.Errorf("partialzip: HEAD %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("partialzip: HEAD %s: status %s", url, resp.Status)
	}
	if resp.ContentLength <= 0 {
		return nil, fmt.Errorf("partialzip: %s did not report a Content-Length", url)
	}
	return &httpReaderAt{client: client, url: url, size: resp.ContentLength}, nil
}

func (r *httpReaderAt) ReadAt(p []byte, off int64) (int, error) {
	req, err := http.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	end := off + int64(len(p)) - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("partialzip: range GET %s: status %s", r.url, resp.Status)
	}
	return io.ReadFull(resp.Body, p)
}

// FetchToFile fetches the named member out of the zip archive at url and
// writes it to destPath.
func FetchToFile(url, member, destPath string) error {
	client := http.DefaultClient

	ra, err := newHTTPReaderAt(client, url)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(ra, ra.size)
	if err != nil {
		return fmt.Errorf("partialzip: read central directory of %s: %w", url, err)
	}

	var target *zip.File
	for _, f := range zr.File {
		if f.Name == member {
			target = f
			break
		}
	}
	if target == nil {
		return fmt.Errorf("partialzip: %s: no such member in %s", member, url)
	}

	rc, err := target.Open()
	if err != nil {
		return fmt.Errorf("partialzip: open member %s: %w", member, err)
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("partialzip: create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("partialzip: extract %s to %s: %w", member, destPath, err)
	}
	return nil
}

// FetchToMemory is FetchToFile's in-memory counterpart, used for small
// members like BuildManifest.plist (spec.md §4.8 step 1).
func FetchToMemory(url, member string) ([]byte, error) {
	client := http.DefaultClient

	ra, err := newHTTPReaderAt(client, url)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(ra, ra.size)
	if err != nil {
		return nil, fmt.Errorf("partialzip: read central directory of %s: %w", url, err)
	}

	for _, f := range zr.File {
		if f.Name != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("partialzip: open member %s: %w", member, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("partialzip: %s: no such member in %s", member, url)
}
