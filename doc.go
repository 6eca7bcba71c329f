// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package acq provides the building blocks of a streaming
// hardware-acquisition framework: a typed datafeed packet model,
// a software trigger matcher, a cooperative event scheduler and
// session bus, an asynchronous bulk-transfer engine, and a set of
// instrument drivers built on top of them.
//
// The packages of this module are organized as follows:
//
//   - feed: datafeed packets, channels and analog encoding
//   - trigger: trigger specifications and software trigger matching
//   - session: event scheduler, datafeed bus and device registry
//   - hw: driver contract and device instances
//   - xfer: asynchronous bulk-transfer engine
//   - drivers/...: instrument drivers (demo, fx2la, dso, serialdmm, ftdila)
//   - cmd/...: acquisition commands (acq-capture, acq-srv, acq-shell, acq-daq)
package acq // import "github.com/go-acq/acq"

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Error taxonomy shared by the acquisition engine and its drivers.
// Configuration and setup failures are returned synchronously; failures
// inside a dispatched callback are handled locally by stopping the
// acquisition (the caller observes an early End packet).
var (
	ErrArgument          = errors.New("acq: invalid argument")
	ErrDeviceBusy        = errors.New("acq: device busy")
	ErrHardware          = errors.New("acq: hardware failure")
	ErrIO                = errors.New("acq: i/o failure")
	ErrUnsupportedFormat = errors.New("acq: unsupported format")
	ErrResourceExhausted = errors.New("acq: resource exhausted")
)

// Version returns the version of acq and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-acq/acq"
	if b.Main.Path == root {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
