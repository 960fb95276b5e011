// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tss implements C5, the Ticket Service Client: building a
// signing request from a build identity and device parameters, sending
// it to a TSS endpoint, and parsing the response into a structured
// ticket. It also owns the local SHSH cache the re-restore path replays
// from.
package tss

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/manifest"
	"github.com/Trsvsr/idevicererestore/plist"
	"github.com/Trsvsr/idevicererestore/retry"
)

const (
	// DefaultURL is the official signing endpoint.
	DefaultURL = "https://gs.apple.com/TSS/controller?action=2"
	// CydiaURL is the community mirror used for re-restore lookups of
	// tickets the official server no longer signs.
	CydiaURL = "http://cydia.saurik.com/TSS/controller?action=2"
)

// Params is the set of device-derived values fetch_ticket folds into the
// request dictionary.
type Params struct {
	ECID            uint64
	Product         string
	Version         string
	Build           string
	ApNonce         []byte
	ApSepNonce      []byte
	Image4Supported bool
	PreflightInfo   plist.Dict // may be nil
}

// Client drives ticket requests, owning the endpoint rotation described
// in spec.md §4.5 step 7.
type Client struct {
	CacheDir  string
	url       string
	rerestore bool
	rotated   bool
}

// NewClient builds a Client; rerestore controls whether the community
// mirror is tried before the official endpoint.
func NewClient(cacheDir string, rerestore bool) *Client {
	url := DefaultURL
	if rerestore {
		url = CydiaURL
	}
	return &Client{CacheDir: cacheDir, url: url, rerestore: rerestore}
}

// URL returns the endpoint the next request will be sent to.
func (c *Client) URL() string { return c.url }

// SetURL overrides the endpoint, used when the caller already knows which
// one to start from (e.g. resuming a run that already rotated off the
// Cydia mirror).
func (c *Client) SetURL(url string) { c.url = url }

func (c *Client) shshPath(p Params) string {
	name := fmt.Sprintf("%d-%s-%s-%s.shsh", p.ECID, p.Product, p.Version, p.Build)
	return filepath.Join(c.CacheDir, "shsh", name)
}

// FetchTicket implements spec.md §4.5 steps 1-7.
func (c *Client) FetchTicket(ctx context.Context, identity manifest.Identity, p Params) (plist.Dict, error) {
	if c.rerestore && p.Version != "" {
		if t, ok := c.loadCached(ctx, p); ok {
			return t, nil
		}
	}

	req := c.buildRequest(identity, p)

	ticket, err := c.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tss: %w", err)
	}

	if c.rerestore && !c.rotated {
		logging.Infof(ctx, "tss: rotating to official endpoint after first successful re-restore fetch")
		c.url = DefaultURL
		c.rotated = true
	}

	return ticket, nil
}

func (c *Client) loadCached(ctx context.Context, p Params) (plist.Dict, bool) {
	path := c.shshPath(p)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		logging.Errorf(ctx, "tss: cached ticket %s is not gzip-compressed: %v", path, err)
		return nil, false
	}
	defer gz.Close()
	body, err := io.ReadAll(gz)
	if err != nil {
		logging.Errorf(ctx, "tss: failed to decompress cached ticket %s: %v", path, err)
		return nil, false
	}
	t, err := plist.Decode(body)
	if err != nil {
		logging.Errorf(ctx, "tss: failed to parse cached ticket %s: %v", path, err)
		return nil, false
	}
	logging.Infof(ctx, "tss: using cached ticket %s", path)
	return t, true
}

func (c *Client) buildRequest(identity manifest.Identity, p Params) plist.Dict {
	req := plist.Dict{
		"ApECID":          p.ECID,
		"ApProductionMode": true,
		"ApSupportsImg4":   p.Image4Supported,
	}
	if p.ApNonce != nil {
		req["ApNonce"] = plist.Data(p.ApNonce)
	}
	if p.ApSepNonce != nil {
		req["ApSepNonce"] = plist.Data(p.ApSepNonce)
	}
	if p.Image4Supported {
		req["ApSecurityMode"] = true
	}

	for k, v := range identity.Raw {
		if k == "Manifest" || k == "Info" {
			continue
		}
		req[k] = v
	}
	if manifestDict, ok := identity.Raw.Dict("Manifest"); ok {
		for comp, v := range manifestDict {
			req[comp] = v
		}
	}

	appendCommonTags(req)
	if p.Image4Supported {
		appendIMG4Tags(req)
	} else {
		appendIMG3Tags(req)
	}

	if p.PreflightInfo != nil {
		if nonce, ok := p.PreflightInfo.Data("Nonce"); ok {
			req["BbNonce"] = nonce
		}
		if chipID, ok := p.PreflightInfo.Uint("ChipID"); ok {
			req["BbChipID"] = chipID
		}
		if certID, ok := p.PreflightInfo.Uint("CertID"); ok {
			req["BbGoldCertId"] = certID
		}
		if serial, ok := p.PreflightInfo.String("ChipSerialNo"); ok {
			req["BbSNUM"] = serial
		}
		appendBasebandTags(req)
	}

	return req
}

func appendCommonTags(req plist.Dict) {
	req["@HostPlatformInfo"] = "mac"
	req["@VersionInfo"] = "libauthinstall-850.0.2"
}

func appendIMG3Tags(req plist.Dict) {
	req["@APTicket"] = true
}

func appendIMG4Tags(req plist.Dict) {
	req["@ApImg4Ticket"] = true
}

func appendBasebandTags(req plist.Dict) {
	req["@BBTicket"] = true
}

func (c *Client) post(ctx context.Context, req plist.Dict) (plist.Dict, error) {
	body, err := plist.EncodeXML(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var respBody []byte
	backoff := retry.WithMaxAttempts(retry.NewConstantBackoff(time.Second), 3)
	err = retry.Retry(ctx, backoff, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "text/xml")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("post to %s: %w", c.url, err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("post to %s: status %s", c.url, resp.Status)
		}
		respBody = b
		return nil
	}, func(err error, delay time.Duration) {
		logging.Errorf(ctx, "tss: request attempt failed, retrying in %s: %v", delay, err)
	})
	if err != nil {
		return nil, err
	}

	ticket, err := plist.Decode(respBody)
	if err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return ticket, nil
}

// FixupTicket implements spec.md §4.5's fixup_ticket: for each
// (restoreKey, sourceKey) pair, if the restore key's current value is an
// empty dict, it is replaced by a copy of the (non-empty) source key's
// value.
func FixupTicket(t plist.Dict) {
	pairs := [][2]string{
		{"RestoreLogo", "AppleLogo"},
		{"RestoreDeviceTree", "DeviceTree"},
		{"RestoreKernelCache", "KernelCache"},
	}
	for _, pair := range pairs {
		restoreKey, sourceKey := pair[0], pair[1]
		restoreVal, ok := t[restoreKey].(plist.Dict)
		if !ok || len(restoreVal) != 0 {
			continue
		}
		sourceVal, ok := t[sourceKey].(plist.Dict)
		if !ok || len(sourceVal) == 0 {
			continue
		}
		copied := make(plist.Dict, len(sourceVal))
		for k, v := range sourceVal {
			copied[k] = v
		}
		t[restoreKey] = copied
	}
}

// SaveShshOnly implements spec.md §4.5's shshonly mode: serialize the
// ticket to binary, create <cache>/shsh/, and write it gzip-compressed
// under the standard filename, skipping the write if the file already
// exists.
func (c *Client) SaveShshOnly(t plist.Dict, p Params) error {
	dir := filepath.Join(c.CacheDir, "shsh")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("tss: mkdir %s: %w", dir, err)
	}

	path := c.shshPath(p)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	raw, err := plist.EncodeBinary(t)
	if err != nil {
		return fmt.Errorf("tss: encode ticket: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tss: create %s: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("tss: gzip write: %w", err)
	}
	return gz.Close()
}
