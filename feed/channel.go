// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package feed

// ChannelType tags a channel as a logic or analog signal path.
type ChannelType uint8

const (
	ChannelLogic ChannelType = iota + 1
	ChannelAnalog
)

func (t ChannelType) String() string {
	switch t {
	case ChannelLogic:
		return "logic"
	case ChannelAnalog:
		return "analog"
	}
	return "invalid"
}

// Channel is one named signal path on a device instance. Index locates
// the channel's bit (logic) or sample slot (analog) inside a packet.
//
// Identity (Index, Name, Type) is immutable after creation. Enabled
// may be toggled by configuration calls between acquisitions, never
// during an active capture.
type Channel struct {
	Index   int
	Name    string
	Type    ChannelType
	Enabled bool
}

// NewChannel returns an enabled channel.
func NewChannel(index int, name string, typ ChannelType) *Channel {
	return &Channel{
		Index:   index,
		Name:    name,
		Type:    typ,
		Enabled: true,
	}
}

// LogicUnitSize returns the number of bytes one logic sample occupies
// for the given channel list: one bit per logic channel, rounded up to
// whole bytes.
func LogicUnitSize(channels []*Channel) int {
	n := 0
	for _, ch := range channels {
		if ch.Type == ChannelLogic {
			n++
		}
	}
	return (n + 7) / 8
}
