// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package restore implements C9, the Orchestrator: the top-level state
// machine that drives mode transitions, invokes the other components at
// the right points, and finally hands the device off to an external
// restore streamer.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Trsvsr/idevicererestore/baseband"
	"github.com/Trsvsr/idevicererestore/device"
	"github.com/Trsvsr/idevicererestore/flock"
	"github.com/Trsvsr/idevicererestore/ipsw"
	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/manifest"
	"github.com/Trsvsr/idevicererestore/mode"
	"github.com/Trsvsr/idevicererestore/personalize"
	"github.com/Trsvsr/idevicererestore/plist"
	"github.com/Trsvsr/idevicererestore/ramdisk"
	"github.com/Trsvsr/idevicererestore/tss"
	"github.com/Trsvsr/idevicererestore/usb"
	"github.com/Trsvsr/idevicererestore/util"
	"github.com/Trsvsr/idevicererestore/versioncache"
)

// wtfFallbackURL is the hardcoded WTF-mode recovery archive spec.md's
// Open Questions call out: brittle, and deliberately not replaced with a
// "more modern" fallback, per the source's own behavior.
const wtfFallbackURL = "http://appldnld.apple.com.edgesuite.net/content.info.apple.com/iPhone/061-7680.20090617.Se4Rd/iPhone1,1_2.2.1_5H11_Restore.ipsw"

// ProgressFunc is the caller-supplied callback invoked at named
// milestones; implementations must not block (spec.md §5).
type ProgressFunc func(step string, fractionInStep float64)

// Orchestrator drives a single restore run end to end.
type Orchestrator struct {
	State    *ClientState
	Progress ProgressFunc
	Restorer Restorer
}

func (o *Orchestrator) progress(step string, frac float64) {
	if o.Progress != nil {
		o.Progress(step, frac)
	}
}

// Run executes spec.md §4.9's 19 steps and returns an error that
// ExitCodeFor maps to the CLI's exit code.
func (o *Orchestrator) Run(ctx context.Context) error {
	c := o.State
	if err := c.NormalizeFlags(); err != nil {
		return err
	}

	o.progress("Detect", 0)

	// Step 1: Detect.
	versionDoc, err := versioncache.Fetch(ctx, c.CacheDir)
	if err != nil {
		logging.Errorf(ctx, "restore: version data unavailable, continuing without it: %v", err)
		versionDoc = nil
	}
	c.Mode = mode.Probe(ctx)

	// Step 2: WTF handling.
	if c.Mode == mode.WTF {
		if err := o.handleWTF(ctx); err != nil {
			return err
		}
		c.Mode = mode.DFU
	}

	// Step 3: resolve hardware model.
	caps, err := device.Open(ctx, c.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceState, err)
	}
	model, err := caps.ReadHardwareModel(ctx)
	if err != nil {
		caps.Close()
		return fmt.Errorf("%w: read hardware model: %v", ErrDeviceState, err)
	}
	product, err := caps.ReadProductType(ctx)
	caps.Close()
	if err != nil {
		return fmt.Errorf("%w: read product type: %v", ErrDeviceState, err)
	}
	c.Model = model
	c.Product = product

	// Step 4: Latest / NoAction.
	if c.Flags.has(FlagLatest) {
		if versionDoc == nil {
			return fmt.Errorf("%w: Latest requires version data, which could not be fetched", ErrConfiguration)
		}
		fw, err := versioncache.LatestFirmwareForModel(versionDoc, c.Product)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		c.Version, c.Build = fw.Version, fw.Build
		if c.IPSWPath == "" {
			if fw.URL == "" {
				return fmt.Errorf("%w: no firmware URL for %s in version data", ErrConfiguration, c.Product)
			}
			dest := filepath.Join(cacheOrCwd(c.CacheDir), filepath.Base(fw.URL))
			if _, err := os.Stat(dest); err != nil {
				if err := downloadToFile(ctx, fw.URL, dest); err != nil {
					return fmt.Errorf("%w: download latest firmware: %v", ErrConfiguration, err)
				}
			}
			c.IPSWPath = dest
		}
	}
	if c.Flags.has(FlagNoAction) {
		return nil
	}

	// Step 5: if currently in Restore mode, request a reboot and re-probe.
	if c.Mode == mode.Restore {
		if ch, err := usb.Open(usb.ProductRestore); err == nil {
			_, _ = ch.SendControl(ctx, 0x40, 0x01, 0, 0, nil) // request restore reboot
			ch.Close()
		}
		c.Mode = mode.Probe(ctx)
	}

	o.progress("Detect", 1)
	o.progress("Prepare", 0)

	// Step 6: read BuildManifest.
	a, err := ipsw.Open(c.IPSWPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	manifestRaw, err := a.ReadComponent("BuildManifest.plist")
	a.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	m, err := manifest.Parse(manifestRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	if !m.CheckCompatibility(c.Product) {
		return fmt.Errorf("%w: %s is not a supported product for this archive", ErrManifest, c.Product)
	}
	vi, err := m.VersionInfo()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	c.Version, c.Build, c.BuildMajor = vi.Version, vi.Build, vi.BuildMajor

	// Step 7: select build identity.
	identity, err := m.IdentityForModelAndBehavior(c.Model, c.Behavior())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	c.Identity = identity

	// Step 8: Prepare - read ECID, refresh ApNonce if build_major > 8.
	caps, err = device.Open(ctx, c.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceState, err)
	}
	ecid, err := caps.ReadECID(ctx)
	if err != nil {
		caps.Close()
		return fmt.Errorf("%w: read ECID: %v", ErrDeviceState, err)
	}
	c.ECID = ecid

	img4Supported, err := caps.IsImage4Supported(ctx)
	if err == nil {
		c.Image4Supported = img4Supported
	}
	if c.Image4Supported {
		caps.Close()
		return fmt.Errorf("%w: device reports Image4 support; this module only handles pre-Image4 devices", ErrDeviceState)
	}

	if c.BuildMajor > 8 {
		nonce, err := caps.ReadAPNonce(ctx)
		if err == nil && !bytesEqual(nonce, c.Nonce) {
			c.Nonce = nonce
		}
		sepNonce, err := caps.ReadSEPNonce(ctx)
		if err == nil {
			c.SepNonce = sepNonce
		}
	}
	preflight, _ := device.PreflightInfo(ctx, caps)
	c.PreflightInfo = preflight
	caps.Close()

	o.progress("Prepare", 0.2)

	// Step 9: fetch ticket.
	tssClient := tss.NewClient(c.CacheDir, c.Flags.has(FlagRerestore))
	if c.TSSURL != "" {
		tssClient.SetURL(c.TSSURL)
	}
	ticket, err := tssClient.FetchTicket(ctx, identity, o.tssParams(c))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTicket, err)
	}
	c.Ticket = ticket

	if c.Flags.has(FlagShshOnly) {
		if err := tssClient.SaveShshOnly(ticket, o.tssParams(c)); err != nil {
			return fmt.Errorf("%w: %v", ErrTicket, err)
		}
		return nil
	}

	o.progress("Prepare", 0.4)

	// Step 10: Ramdisk Hash Reconciler.
	if c.Flags.has(FlagRerestore) {
		apTicket, _ := rawTicketBytes(ticket)
		outcome, err := ramdisk.Reconcile(ctx, c.IPSWPath, m, c.Model, identity, c.Behavior(), apTicket)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReconciliation, err)
		}
		c.SetBehavior(outcome.Behavior)
		c.Identity = outcome.Identity
		identity = outcome.Identity
		if outcome.Custom {
			c.Flags |= FlagCustom
		}
	}

	// Step 11: ticket presence check + fixup.
	if len(ticket) == 0 {
		return fmt.Errorf("%w: no ticket available for a ticket-enabled restore", ErrTicket)
	}
	tss.FixupTicket(ticket)

	o.progress("Prepare", 1)

	// Step 12: filesystem extraction.
	fsPath, err := manifest.ComponentPath(identity, "OS")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	extractedPath, cleanupTemp, err := o.extractFilesystem(ctx, fsPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	o.progress("Restore", 0)

	// Step 13: mode transitions.
	if err := o.transitionToRecovery(ctx, c); err != nil {
		return err
	}

	// Step 14: query device info, interpret ibfl.
	caps, err = device.Open(ctx, c.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceState, err)
	}
	info, err := caps.ReadDeviceInfo(ctx)
	caps.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceState, err)
	}
	if err := interpretIBFL(info.IBFL, c); err != nil {
		return err
	}
	if srnm, ok := info.Raw.String("SRNM"); ok {
		c.Serial = srnm
	}

	// Step 15: Baseband Reconciler.
	if c.Flags.has(FlagRerestore) {
		if versionDoc != nil {
			if fw, err := versioncache.LatestFirmwareForModel(versionDoc, c.Product); err == nil && fw.URL != "" {
				bbPath := filepath.Join(cacheOrCwd(c.CacheDir), "bbfw.tmp")
				if err := baseband.Reconcile(ctx, c.IPSWPath, m, identity, c.Product, c.Flags.has(FlagUpdate), fw.URL, bbPath); err != nil {
					return fmt.Errorf("%w: %v", ErrReconciliation, err)
				}
				c.BasebandPath = bbPath
			} else {
				logging.Errorf(ctx, "restore: no latest-firmware URL available for baseband reconciliation: %v", err)
			}
		}
	}

	// Step 16: nonce re-check, re-fetch ticket on change.
	if !c.Image4Supported && c.BuildMajor > 8 {
		caps, err = device.Open(ctx, c.Mode)
		if err == nil {
			newNonce, err := caps.ReadAPNonce(ctx)
			caps.Close()
			if err == nil && !bytesEqual(newNonce, c.Nonce) {
				logging.Infof(ctx, "restore: ApNonce changed, re-requesting ticket")
				c.Nonce = newNonce
				newTicket, err := tssClient.FetchTicket(ctx, identity, o.tssParams(c))
				if err != nil {
					return fmt.Errorf("%w: %v", ErrTicket, err)
				}
				tss.FixupTicket(newTicket)
				c.Ticket = newTicket
				ticket = newTicket
			}
		}
	}

	// Step 17: in Recovery, require srnm, request transition to Restore.
	if c.Mode == mode.Recovery {
		if c.Serial == "" {
			return fmt.Errorf("%w: device serial number unknown before requesting Restore mode", ErrDeviceState)
		}
		if ch, err := usb.Open(usb.ProductRecovery); err == nil {
			_, _ = ch.SendControl(ctx, 0x40, 0x02, 0, 0, nil) // request transition to Restore
			ch.Close()
		}
		if !waitForMode(ctx, mode.Restore, 500*time.Millisecond, 10*time.Second) {
			return fmt.Errorf("%w: device did not enter Restore mode", ErrTransport)
		}
		c.Mode = mode.Restore
	}

	// Step 18: invoke the external restore streamer.
	if c.Mode == mode.Restore {
		if o.Restorer == nil {
			return fmt.Errorf("%w: no Restorer configured", ErrConfiguration)
		}
		if err := o.Restorer.Restore(ctx, Request{Client: c, Identity: identity, FilesystemPath: extractedPath}); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	o.progress("Restore", 1)

	// Step 19: cleanup.
	if cleanupTemp {
		os.Remove(extractedPath)
	}
	if isAppleTV(c.Product) {
		if ch, err := usb.Open(usb.ProductRecovery); err == nil {
			_, _ = ch.SendControl(ctx, 0x40, 0x03, 0, 0, nil) // set auto-boot
			_, _ = ch.SendControl(ctx, 0x40, 0x04, 0, 0, nil) // send reset
			ch.Close()
		}
	}

	return nil
}

func (o *Orchestrator) tssParams(c *ClientState) tss.Params {
	return tss.Params{
		ECID:            c.ECID,
		Product:         c.Product,
		Version:         c.Version,
		Build:           c.Build,
		ApNonce:         c.Nonce,
		ApSepNonce:      c.SepNonce,
		Image4Supported: c.Image4Supported,
		PreflightInfo:   c.PreflightInfo,
	}
}

func (o *Orchestrator) handleWTF(ctx context.Context) error {
	c := o.State
	caps, err := device.Open(ctx, mode.WTF)
	if err != nil {
		return fmt.Errorf("%w: open DFU transport in WTF mode: %v", ErrTransport, err)
	}
	model, err := caps.ReadHardwareModel(ctx)
	caps.Close()
	if err != nil {
		return fmt.Errorf("%w: read chip id in WTF mode: %v", ErrTransport, err)
	}
	cpid := cpidFromModel(model)

	a, err := ipsw.Open(c.IPSWPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	member := fmt.Sprintf("Firmware/dfu/WTF.s5l%sxall.RELEASE.dfu", cpid)
	blob, err := a.ReadComponent(member)
	a.Close()

	if err != nil {
		blob, err = o.fetchWTFBlob(ctx, member)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	ch, err := usb.Open(usb.ProductDFU)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer ch.Close()
	if err := ch.Send(ctx, blob); err != nil {
		return fmt.Errorf("%w: send WTF blob: %v", ErrTransport, err)
	}

	time.Sleep(1 * time.Second)
	return nil
}

func (o *Orchestrator) fetchWTFBlob(ctx context.Context, member string) ([]byte, error) {
	c := o.State
	wtfURL := wtfFallbackURL
	dest := filepath.Join(cacheOrCwd(c.CacheDir), "WTF.ipsw")
	if err := downloadToFile(ctx, wtfURL, dest); err != nil {
		return nil, err
	}
	a, err := ipsw.Open(dest)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.ReadComponent(member)
}

func (o *Orchestrator) transitionToRecovery(ctx context.Context, c *ClientState) error {
	switch c.Mode {
	case mode.Normal:
		caps, err := device.Open(ctx, mode.Normal)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		ch := device.RawChannel(caps)
		_, sendErr := ch.SendControl(ctx, 0x40, 0x05, 0, 0, nil) // lockdownd EnterRecovery
		caps.Close()
		if sendErr != nil {
			return fmt.Errorf("%w: request recovery transition: %v", ErrTransport, sendErr)
		}

	case mode.DFU:
		dfuCaps, err := device.Open(ctx, mode.DFU)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		ch := device.RawChannel(dfuCaps)
		ibec, err := o.loadComponent(c, "iBEC", "iBEC")
		if err != nil {
			dfuCaps.Close()
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		sendErr := ch.Send(ctx, ibec)
		dfuCaps.Close()
		if sendErr != nil {
			return fmt.Errorf("%w: send iBEC: %v", ErrTransport, sendErr)
		}

	case mode.Recovery:
		if c.BuildMajor > 8 {
			if apTicket, ok := rawTicketBytes(c.Ticket); ok {
				if ch, err := usb.Open(usb.ProductRecovery); err == nil {
					if _, err := ch.SendControl(ctx, 0x40, 0x06, 0, 0, apTicket); err != nil {
						logging.Errorf(ctx, "restore: best-effort APTicket send failed: %v", err)
					}
					ch.Close()
				}
			}
		}
		return nil
	}

	time.Sleep(2 * time.Second)
	if !waitForMode(ctx, mode.Recovery, 500*time.Millisecond, 10*time.Second) {
		return fmt.Errorf("%w: device did not enter Recovery mode", ErrTransport)
	}
	c.Mode = mode.Recovery
	return nil
}

func (o *Orchestrator) loadComponent(c *ClientState, name, componentLabel string) ([]byte, error) {
	path, err := manifest.ComponentPath(c.Identity, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", componentLabel, err)
	}
	a, err := ipsw.Open(c.IPSWPath)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	data, err := a.ReadComponent(path)
	if err != nil {
		return nil, err
	}
	return personalize.Personalize(context.Background(), name, data, c.Ticket)
}

func (o *Orchestrator) extractFilesystem(ctx context.Context, fsPath string) (destPath string, cleanupTemp bool, err error) {
	c := o.State
	size, err := func() (uint64, error) {
		a, err := ipsw.Open(c.IPSWPath)
		if err != nil {
			return 0, err
		}
		defer a.Close()
		return a.MemberSize(fsPath)
	}()
	if err != nil {
		return "", false, err
	}

	cacheDir := filepath.Join(cacheOrCwd(c.CacheDir), filepath.Base(c.IPSWPath))
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", false, err
	}
	finalPath := filepath.Join(cacheDir, fsPath)

	if fi, err := os.Stat(finalPath); err == nil && uint64(fi.Size()) == size {
		logging.Infof(ctx, "restore: reusing cached filesystem extraction at %s", finalPath)
		return finalPath, false, nil
	}

	lockPath := finalPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", false, err
	}
	lock, err := flock.Acquire(lockPath)
	if err != nil {
		return "", false, err
	}

	extractPath := finalPath + ".extract"
	tempName := false
	if _, err := os.Stat(extractPath); err == nil {
		extractPath = finalPath + "." + uuid.New().String() + ".extract"
		tempName = true
	} else {
		f, cerr := os.Create(extractPath)
		if cerr == nil {
			f.Close()
		}
	}
	lock.Release()

	a, err := ipsw.Open(c.IPSWPath)
	if err != nil {
		return "", false, err
	}
	extractErr := a.ExtractToFile(fsPath, extractPath)
	a.Close()
	if extractErr != nil {
		os.Remove(extractPath)
		return "", false, extractErr
	}

	if tempName {
		return extractPath, true, nil
	}
	if err := os.Rename(extractPath, finalPath); err != nil {
		return "", false, err
	}
	return finalPath, false, nil
}

func interpretIBFL(ibfl uint64, c *ClientState) error {
	switch ibfl {
	case 0x03, 0x1B:
		hint := ""
		if c.Flags.has(FlagCustom) {
			hint = " (custom firmware may not produce a valid iBEC for this device)"
		} else if c.BuildMajor == 9 || c.BuildMajor == 13 {
			hint = " (this build_major is known to be sensitive to nonce mismatches)"
		}
		return fmt.Errorf("%w: device failed to enter iBEC (ibfl=%#x)%s", ErrFatalIBEC, ibfl, hint)
	case 0x1A, 0x02:
		return nil
	default:
		return nil
	}
}

func waitForMode(ctx context.Context, target mode.Mode, interval, ceiling time.Duration) bool {
	deadline := time.Now().Add(ceiling)
	for time.Now().Before(deadline) {
		if mode.Probe(ctx) == target {
			return true
		}
		time.Sleep(interval)
	}
	return mode.Probe(ctx) == target
}

// rawTicketBytes flattens a ticket dict to its binary plist encoding, the
// flat buffer the Ramdisk Hash Reconciler and the Recovery-mode APTicket
// send both operate on as a byte blob rather than a structured document.
func rawTicketBytes(t plist.Dict) ([]byte, bool) {
	if len(t) == 0 {
		return nil, false
	}
	raw, err := plist.EncodeBinary(t)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cacheOrCwd(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

func isAppleTV(product string) bool {
	return len(product) >= 7 && product[:7] == "AppleTV"
}

func downloadToFile(ctx context.Context, url, destPath string) error {
	return util.DownloadToFile(ctx, url, destPath)
}

// cpidFromModel recovers the bootrom chip-id token (e.g. "8930") from a
// hardware model string of the form "p8930" produced by serialCaps - the
// inverse of the "p" + strings.ToLower(cpid) construction in device.go.
func cpidFromModel(model string) string {
	return strings.ToUpper(strings.TrimPrefix(model, "p"))
}
