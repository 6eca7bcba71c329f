// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import "github.com/go-acq/acq/feed"

// ConfigKey names one opaque capability of a driver. The engine passes
// keys and values through to drivers without interpreting them beyond
// the handful of well-known keys below.
type ConfigKey string

const (
	KeySampleRate    ConfigKey = "samplerate"     // uint64, Hz
	KeyLimitSamples  ConfigKey = "limit-samples"  // uint64
	KeyLimitFrames   ConfigKey = "limit-frames"   // uint64
	KeyLimitDuration ConfigKey = "limit-duration" // time.Duration
	KeyCaptureRatio  ConfigKey = "capture-ratio"  // uint64, percent of samples before trigger
	KeyConn          ConfigKey = "conn"           // string, transport address
	KeyTriggerSpec   ConfigKey = "trigger"        // trigger.Spec
)

// ChannelGroup names a subset of device channels addressed together by
// a configuration call, such as the vertical settings of one
// oscilloscope channel.
type ChannelGroup struct {
	Name     string
	Channels []*feed.Channel
}

// Driver is the per-instrument-family entry point. The engine calls
// these methods; it never inspects a driver's wire protocol.
//
// StartAcquisition configures the hardware, registers one or more
// sources with the scheduler and emits a Header packet followed by a
// Meta packet carrying the effective sample rate. StopAcquisition is a
// cooperative request and must be idempotent; the device has fully
// stopped only once its End packet has been published.
type Driver interface {
	Name() string

	// Scan probes for devices this driver can serve and returns one
	// instance per device found. opts may narrow the probe (e.g. a
	// KeyConn address).
	Scan(opts map[ConfigKey]interface{}) ([]*DevInst, error)

	Open(dev *DevInst) error
	Close(dev *DevInst) error

	ConfigGet(dev *DevInst, grp *ChannelGroup, key ConfigKey) (interface{}, error)
	ConfigSet(dev *DevInst, grp *ChannelGroup, key ConfigKey, val interface{}) error
	ConfigList(dev *DevInst, grp *ChannelGroup) []ConfigKey

	StartAcquisition(dev *DevInst, sched Scheduler) error
	StopAcquisition(dev *DevInst) error
}
