// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw defines the contract between the acquisition engine and
// instrument drivers: device instances, the driver interface, the
// event-scheduler interface drivers register their sources with, and
// the device registry owned by a session.
package hw // import "github.com/go-acq/acq/hw"

import (
	"fmt"

	"github.com/go-acq/acq/feed"
)

// Status tracks the lifecycle of a device instance.
type Status uint8

const (
	StatusInactive Status = iota
	StatusInitializing
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// DevInst identifies one physical or logical instrument discovered by
// a driver scan. The instance is owned by the registry it was added
// to and is only ever mutated by its own driver's callbacks.
type DevInst struct {
	Vendor string
	Model  string
	Serial string

	Status   Status
	Channels []*feed.Channel
	Driver   Driver

	// Priv holds the driver-private context: transport handles,
	// buffers and acquisition state. Opaque to the engine.
	Priv interface{}
}

func (dev *DevInst) String() string {
	return fmt.Sprintf("%s %s [%s]", dev.Vendor, dev.Model, dev.Serial)
}

// Channel returns the device channel with the given name, or nil.
func (dev *DevInst) Channel(name string) *feed.Channel {
	for _, ch := range dev.Channels {
		if ch.Name == name {
			return ch
		}
	}
	return nil
}

// LogicChannels returns the device's logic channels, in index order.
func (dev *DevInst) LogicChannels() []*feed.Channel {
	var chans []*feed.Channel
	for _, ch := range dev.Channels {
		if ch.Type == feed.ChannelLogic {
			chans = append(chans, ch)
		}
	}
	return chans
}

// AnalogChannels returns the device's analog channels, in index order.
func (dev *DevInst) AnalogChannels() []*feed.Channel {
	var chans []*feed.Channel
	for _, ch := range dev.Channels {
		if ch.Type == feed.ChannelAnalog {
			chans = append(chans, ch)
		}
	}
	return chans
}
