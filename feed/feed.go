// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package feed defines the typed datafeed packets exchanged between
// instrument drivers and session sinks, together with the channel and
// analog-encoding descriptors attached to them.
package feed // import "github.com/go-acq/acq/feed"

import (
	"time"

	"github.com/google/uuid"
)

// Version is the datafeed protocol version carried by Header packets.
const Version = 1

// Packet is one typed unit in the capture stream of a device.
//
// A session run delivers, per device, exactly one Header first, an
// optional Meta before the first data packet, zero or more Logic,
// Analog, FrameBegin, FrameEnd and Trigger packets, and exactly one
// End last. Packets are transient: they are created by a driver
// callback and consumed synchronously by the session's sinks.
type Packet interface {
	isPacket()
}

// Header marks the start of an acquisition stream.
type Header struct {
	FeedVersion int
	StartTime   time.Time
	RunID       uuid.UUID
}

// NewHeader returns a Header for a capture starting now, with a fresh
// run identifier.
func NewHeader() Header {
	return Header{
		FeedVersion: Version,
		StartTime:   time.Now(),
		RunID:       uuid.New(),
	}
}

// Meta carries configuration echoed into the stream, such as the
// effective sample rate of the capture.
type Meta struct {
	Items []MetaItem
}

// MetaItem is one key/value configuration item of a Meta packet.
type MetaItem struct {
	Key   string
	Value interface{}
}

// SampleRate builds a Meta packet holding the effective sample rate,
// in Hz.
func SampleRate(rate uint64) Meta {
	return Meta{Items: []MetaItem{{Key: "samplerate", Value: rate}}}
}

// Logic carries raw logic samples. Data holds len(Data)/UnitSize
// samples; each sample is UnitSize bytes wide and covers all enabled
// logic channels of the device, channel index i at bit i.
type Logic struct {
	Data     []byte
	UnitSize int
}

// Samples returns the number of complete samples held by the packet.
func (l Logic) Samples() int {
	if l.UnitSize <= 0 {
		return 0
	}
	return len(l.Data) / l.UnitSize
}

// FrameBegin brackets the start of one coherent burst of samples,
// such as a single oscilloscope sweep.
type FrameBegin struct{}

// FrameEnd closes the burst opened by the matching FrameBegin.
type FrameEnd struct{}

// Trigger marks the absolute sample offset at which a trigger fired.
// It is always emitted before the Logic or Analog packets covering
// samples at or after that offset.
type Trigger struct {
	Offset uint64
}

// End terminates the stream of a device. It is the only definitive
// "capture complete" marker a sink may rely on.
type End struct{}

func (Header) isPacket()     {}
func (Meta) isPacket()       {}
func (Logic) isPacket()      {}
func (Analog) isPacket()     {}
func (FrameBegin) isPacket() {}
func (FrameEnd) isPacket()   {}
func (Trigger) isPacket()    {}
func (End) isPacket()        {}
