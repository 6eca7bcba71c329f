// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"errors"
	"testing"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
)

type testDriver struct {
	Driver
	name   string
	closed []*DevInst
}

func (drv *testDriver) Name() string { return drv.name }

func (drv *testDriver) Close(dev *DevInst) error {
	drv.closed = append(drv.closed, dev)
	dev.Status = StatusInactive
	return nil
}

func TestDevInstChannels(t *testing.T) {
	dev := &DevInst{
		Vendor: "ACME",
		Model:  "LA-8",
		Serial: "0042",
		Channels: []*feed.Channel{
			feed.NewChannel(0, "D0", feed.ChannelLogic),
			feed.NewChannel(1, "D1", feed.ChannelLogic),
			feed.NewChannel(2, "A0", feed.ChannelAnalog),
		},
	}

	if got, want := dev.String(), "ACME LA-8 [0042]"; got != want {
		t.Fatalf("invalid device string: got=%q, want=%q", got, want)
	}
	if ch := dev.Channel("D1"); ch == nil || ch.Index != 1 {
		t.Fatalf("could not find channel D1: got=%v", ch)
	}
	if ch := dev.Channel("D9"); ch != nil {
		t.Fatalf("unexpected channel D9: got=%v", ch)
	}
	if got, want := len(dev.LogicChannels()), 2; got != want {
		t.Fatalf("invalid number of logic channels: got=%d, want=%d", got, want)
	}
	if got, want := len(dev.AnalogChannels()), 1; got != want {
		t.Fatalf("invalid number of analog channels: got=%d, want=%d", got, want)
	}
}

func TestRegistry(t *testing.T) {
	drv1 := &testDriver{name: "drv1"}
	drv2 := &testDriver{name: "drv2"}

	dev1 := &DevInst{Model: "dev1", Driver: drv1, Status: StatusActive}
	dev2 := &DevInst{Model: "dev2", Driver: drv1}
	dev3 := &DevInst{Model: "dev3", Driver: drv2, Status: StatusActive}

	reg := NewRegistry()
	for _, dev := range []*DevInst{dev1, dev2, dev3} {
		if err := reg.Add(dev); err != nil {
			t.Fatalf("could not add %v: %+v", dev, err)
		}
	}

	if err := reg.Add(dev1); !errors.Is(err, acq.ErrArgument) {
		t.Fatalf("invalid duplicate-add error: got=%v, want=%v", err, acq.ErrArgument)
	}
	if err := reg.Add(nil); !errors.Is(err, acq.ErrArgument) {
		t.Fatalf("invalid nil-add error: got=%v, want=%v", err, acq.ErrArgument)
	}

	if got, want := len(reg.Devices()), 3; got != want {
		t.Fatalf("invalid number of devices: got=%d, want=%d", got, want)
	}

	reg.Remove(dev2)
	reg.Remove(dev2) // unknown device, no-op
	if got, want := len(reg.Devices()), 2; got != want {
		t.Fatalf("invalid number of devices after remove: got=%d, want=%d", got, want)
	}

	if err := reg.Clear(drv1); err != nil {
		t.Fatalf("could not clear drv1: %+v", err)
	}
	if got, want := len(drv1.closed), 1; got != want {
		t.Fatalf("invalid number of closed drv1 devices: got=%d, want=%d", got, want)
	}
	devs := reg.Devices()
	if len(devs) != 1 || devs[0] != dev3 {
		t.Fatalf("invalid devices after clear(drv1): got=%v", devs)
	}

	if err := reg.Clear(nil); err != nil {
		t.Fatalf("could not clear registry: %+v", err)
	}
	if got, want := len(reg.Devices()), 0; got != want {
		t.Fatalf("invalid number of devices after clear: got=%d, want=%d", got, want)
	}
	if got, want := len(drv2.closed), 1; got != want {
		t.Fatalf("invalid number of closed drv2 devices: got=%d, want=%d", got, want)
	}
}
