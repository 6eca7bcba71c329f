// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"
	"time"

	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
)

func TestInit(t *testing.T) {
	dev, err := newDAQ(500000)
	if err != nil {
		t.Fatalf("could not create process: %+v", err)
	}
	if err := dev.init(); err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}
	defer dev.drv.Close(dev.dev)

	if dev.dev.Status != hw.StatusActive {
		t.Fatalf("invalid device status: got=%v, want=%v", dev.dev.Status, hw.StatusActive)
	}

	v, err := dev.drv.ConfigGet(dev.dev, nil, hw.KeySampleRate)
	if err != nil {
		t.Fatalf("could not get sample rate: %+v", err)
	}
	if got, want := v.(uint64), uint64(500000); got != want {
		t.Fatalf("invalid sample rate: got=%d, want=%d", got, want)
	}
}

func TestSink(t *testing.T) {
	dev := &daq{data: make(chan []byte, 1)}

	if err := dev.sink(nil, feed.NewHeader()); err != nil {
		t.Fatalf("could not sink header packet: %+v", err)
	}
	if len(dev.data) != 0 {
		t.Fatalf("header packet forwarded as data")
	}

	if err := dev.sink(nil, feed.Logic{Data: []byte{1, 2, 3}, UnitSize: 1}); err != nil {
		t.Fatalf("could not sink logic packet: %+v", err)
	}
	select {
	case raw := <-dev.data:
		if got, want := len(raw), 3; got != want {
			t.Fatalf("invalid payload size: got=%d, want=%d", got, want)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("no payload forwarded")
	}

	// a full channel drops, it must not block the reactor.
	dev.data <- []byte{0}
	if err := dev.sink(nil, feed.Logic{Data: []byte{4}, UnitSize: 1}); err != nil {
		t.Fatalf("could not sink logic packet on a full channel: %+v", err)
	}
}

func TestAcquisitionRoundTrip(t *testing.T) {
	dev, err := newDAQ(1000000)
	if err != nil {
		t.Fatalf("could not create process: %+v", err)
	}
	if err := dev.init(); err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}

	// the reactor runs on its own goroutine; start and stop go through
	// the session's command queue, as the TDAQ handlers do.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dev.loop(ctx)
	}()
	defer func() {
		cancel()
		<-done
		dev.drv.Close(dev.dev)
	}()

	err = dev.ses.Post(func() error {
		return dev.drv.ConfigSet(dev.dev, nil, hw.KeyLimitSamples, uint64(128))
	})
	if err != nil {
		t.Fatalf("could not set sample limit: %+v", err)
	}
	err = dev.ses.Post(func() error {
		return dev.drv.StartAcquisition(dev.dev, dev.ses)
	})
	if err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	var n int
	timeout := time.After(5 * time.Second)
	for n < 128 {
		select {
		case raw := <-dev.data:
			n += len(raw)
		case <-timeout:
			t.Fatalf("invalid number of samples: got=%d, want=128", n)
		}
	}
	if n != 128 {
		t.Fatalf("invalid number of samples: got=%d, want=128", n)
	}
}
