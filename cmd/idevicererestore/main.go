// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command idevicererestore drives the re-restore orchestrator against a
// single attached device: idevicererestore [-d] [-r] IPSW.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/Trsvsr/idevicererestore/logging"
	"github.com/Trsvsr/idevicererestore/personalize"
	"github.com/Trsvsr/idevicererestore/restore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("idevicererestore", flag.ContinueOnError)
	debug := fs.Bool("d", false, "enable debug logging")
	fs.BoolVar(debug, "debug", false, "enable debug logging")
	rerestore := fs.Bool("r", false, "re-restore via an expired APTicket replay")
	fs.BoolVar(rerestore, "rerestore", false, "re-restore via an expired APTicket replay")
	latest := fs.Bool("l", false, "restore to the latest available firmware for this device")
	fs.BoolVar(latest, "latest", false, "restore to the latest available firmware for this device")
	custom := fs.Bool("custom", false, "allow a restore whose ticket does not match a signed identity")
	shshOnly := fs.Bool("shsh-only", false, "fetch and cache a ticket, then exit without restoring")
	noAction := fs.Bool("no-action", false, "resolve configuration and exit without restoring")
	keepPersonalized := fs.Bool("keep-personalized", false, "write each stitched component to the working directory")
	cacheDir := fs.String("cache-dir", "", "cache directory (default: user home directory)")
	tssURL := fs.String("tss-url", "", "override the ticket service endpoint")
	restoreCmd := fs.String("restore-cmd", "idevicerestore-streamer", "external restore streamer executable")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [-d] [-r] IPSW\n", fs.Name())
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return restore.ExitSuccess
		}
		return restore.ExitGeneral
	}

	logging.SetDebug(*debug)
	personalize.KeepPersonalized = *keepPersonalized

	if *cacheDir == "" {
		if home, err := homedir.Dir(); err == nil {
			*cacheDir = home
		}
	}

	var flags restore.Flag
	if *debug {
		flags |= restore.FlagDebug
	}
	if *rerestore {
		flags |= restore.FlagRerestore
	}
	if *latest {
		flags |= restore.FlagLatest
	}
	if *custom {
		flags |= restore.FlagCustom
	}
	if *shshOnly {
		flags |= restore.FlagShshOnly
	}
	if *noAction {
		flags |= restore.FlagNoAction
	}
	// A bare invocation with neither -r/--rerestore nor an explicit
	// update request defaults to a full Erase restore (spec.md §3's
	// flags bitset has no third "plain restore" state of its own).
	flags |= restore.FlagErase

	ipswPath := fs.Arg(0)
	if ipswPath == "" && !*latest {
		fmt.Fprintln(os.Stderr, "idevicererestore: IPSW path is required unless -l/--latest is set")
		fs.Usage()
		return restore.ExitGeneral
	}

	ctx := logging.WithFields(context.Background(), nil)

	state := &restore.ClientState{
		Flags:    flags,
		IPSWPath: ipswPath,
		CacheDir: *cacheDir,
		TSSURL:   *tssURL,
	}

	o := &restore.Orchestrator{
		State:    state,
		Restorer: &restore.ScriptRestorer{Command: *restoreCmd},
		Progress: func(step string, frac float64) {
			logging.Infof(ctx, "restore: %s %.0f%%", step, frac*100)
		},
	}

	err := o.Run(ctx)
	if err != nil {
		logging.Errorf(ctx, "idevicererestore: %v", err)
	}
	return restore.ExitCodeFor(err)
}
