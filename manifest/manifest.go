// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package manifest implements C3, the Manifest Reader: parsing a firmware
// archive's BuildManifest plist and resolving build identities out of it.
package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Trsvsr/idevicererestore/plist"
)

// RestoreBehavior names the two identity flavors a BuildManifest carries.
type RestoreBehavior string

const (
	Erase  RestoreBehavior = "Erase"
	Update RestoreBehavior = "Update"
)

// Identity is an owned copy of one BuildIdentities entry.
type Identity struct {
	DeviceClass     string
	RestoreBehavior RestoreBehavior
	Variant         string
	Raw             plist.Dict
}

// Manifest wraps a decoded BuildManifest.plist.
type Manifest struct {
	d plist.Dict
}

// Parse decodes raw BuildManifest bytes (binary or XML; plist.Decode
// auto-detects) into a Manifest.
func Parse(raw []byte) (*Manifest, error) {
	d, err := plist.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return &Manifest{d: d}, nil
}

func (m *Manifest) identities() plist.Array {
	arr, ok := m.d.Array("BuildIdentities")
	if !ok {
		return nil
	}
	return arr
}

// EnumIdentities returns the number of BuildIdentities entries.
func (m *Manifest) EnumIdentities() int {
	return len(m.identities())
}

// IdentityAt returns the identity at index i, or false if out of range.
func (m *Manifest) IdentityAt(i int) (Identity, bool) {
	ids := m.identities()
	if i < 0 || i >= len(ids) {
		return Identity{}, false
	}
	d, ok := ids[i].(plist.Dict)
	if !ok {
		return Identity{}, false
	}
	return identityFromDict(d), true
}

func identityFromDict(d plist.Dict) Identity {
	info, _ := d.Dict("Info")
	deviceClass, _ := info.String("DeviceClass")
	behavior, _ := info.String("RestoreBehavior")
	variant, _ := info.String("Variant")
	return Identity{
		DeviceClass:     deviceClass,
		RestoreBehavior: RestoreBehavior(behavior),
		Variant:         variant,
		Raw:             d,
	}
}

// IdentityForModelAndBehavior linearly scans BuildIdentities, matching
// Info.DeviceClass case-insensitively against model and, if behavior is
// non-empty, requiring Info.RestoreBehavior to match case-insensitively
// too. The first match wins and is returned as an owned copy.
func (m *Manifest) IdentityForModelAndBehavior(model string, behavior RestoreBehavior) (Identity, error) {
	for _, v := range m.identities() {
		d, ok := v.(plist.Dict)
		if !ok {
			continue
		}
		id := identityFromDict(d)
		if !strings.EqualFold(id.DeviceClass, model) {
			continue
		}
		if behavior != "" && !strings.EqualFold(string(id.RestoreBehavior), string(behavior)) {
			continue
		}
		return id, nil
	}
	return Identity{}, fmt.Errorf("manifest: no identity matches model %q behavior %q", model, behavior)
}

// CheckCompatibility reports whether product is listed in
// SupportedProductTypes.
func (m *Manifest) CheckCompatibility(product string) bool {
	arr, ok := m.d.Array("SupportedProductTypes")
	if !ok {
		return false
	}
	for _, v := range arr {
		if s, ok := v.(string); ok && s == product {
			return true
		}
	}
	return false
}

// ComponentPath returns the archive-relative path for component name in
// identity, or an error naming the first missing or mis-typed segment of
// Manifest.<name>.Info.Path.
func ComponentPath(identity Identity, name string) (string, error) {
	manifestDict, ok := identity.Raw.Dict("Manifest")
	if !ok {
		return "", fmt.Errorf("manifest: identity has no Manifest dict")
	}
	compDict, ok := manifestDict.Dict(name)
	if !ok {
		return "", fmt.Errorf("manifest: identity has no Manifest.%s entry", name)
	}
	infoDict, ok := compDict.Dict("Info")
	if !ok {
		return "", fmt.Errorf("manifest: Manifest.%s has no Info dict", name)
	}
	path, ok := infoDict.String("Path")
	if !ok {
		return "", fmt.Errorf("manifest: Manifest.%s.Info has no Path string", name)
	}
	return path, nil
}

// VersionInfo is the ProductVersion/ProductBuildVersion pair plus the
// decimal-prefix build major spec.md's Client State tracks.
type VersionInfo struct {
	Version    string
	Build      string
	BuildMajor int
}

// VersionInfo extracts ProductVersion and ProductBuildVersion from the
// manifest root and derives BuildMajor as the decimal prefix of Build.
func (m *Manifest) VersionInfo() (VersionInfo, error) {
	version, ok := m.d.String("ProductVersion")
	if !ok {
		return VersionInfo{}, fmt.Errorf("manifest: no ProductVersion")
	}
	build, ok := m.d.String("ProductBuildVersion")
	if !ok {
		return VersionInfo{}, fmt.Errorf("manifest: no ProductBuildVersion")
	}
	return VersionInfo{
		Version:    version,
		Build:      build,
		BuildMajor: decimalPrefix(build),
	}, nil
}

// decimalPrefix returns the leading run of decimal digits in s as an int,
// or 0 if s has no leading digits (e.g. build "8A293" → 8).
func decimalPrefix(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0
	}
	return n
}
