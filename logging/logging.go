// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging provides the context-scoped Infof/Debugf/Errorf/Fatalf
// call shape used throughout this module, over a logrus backend.
package logging

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

type fieldsKey struct{}

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
}

// SetDebug raises the log level to Debug, mirroring the process-wide
// idevicerestore_debug flag threaded through the orchestrator's config.
func SetDebug(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// WithFields returns a context carrying structured fields that subsequent
// log calls on it will include, e.g. ECID/mode/build during a run.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	merged := logrus.Fields{}
	if existing, ok := ctx.Value(fieldsKey{}).(logrus.Fields); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func entry(ctx context.Context) *logrus.Entry {
	if fields, ok := ctx.Value(fieldsKey{}).(logrus.Fields); ok {
		return std.WithFields(fields)
	}
	return logrus.NewEntry(std)
}

func Debugf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Debugf(format, args...)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Infof(format, args...)
}

func Warnf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Warnf(format, args...)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Errorf(format, args...)
}

// Fatalf logs at Error level and returns; callers are responsible for
// propagating the resulting exit status themselves (main owns os.Exit, not
// this package), unlike logrus's own Fatal which calls os.Exit directly.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Errorf(format, args...)
}
