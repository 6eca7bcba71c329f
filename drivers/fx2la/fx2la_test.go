// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fx2la

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/trigger"
)

type fakeSched struct {
	srcs []*hw.Source
	pkts []feed.Packet
}

func (s *fakeSched) Register(src *hw.Source) error {
	s.srcs = append(s.srcs, src)
	return nil
}

func (s *fakeSched) Deregister(handle interface{}) error {
	for i, src := range s.srcs {
		if src.Handle == handle {
			s.srcs = append(s.srcs[:i], s.srcs[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown source")
}

func (s *fakeSched) Publish(dev *hw.DevInst, pkt feed.Packet) error {
	s.pkts = append(s.pkts, pkt)
	return nil
}

func (s *fakeSched) counts() (samples uint64, ends int) {
	for _, pkt := range s.pkts {
		switch p := pkt.(type) {
		case feed.Logic:
			samples += uint64(p.Samples())
		case feed.End:
			ends++
		}
	}
	return samples, ends
}

type fakeEndpoint struct {
	mu    sync.Mutex
	calls int
	read  func(call int, ctx context.Context, p []byte) (int, error)
}

func (ep *fakeEndpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	ep.mu.Lock()
	call := ep.calls
	ep.calls++
	ep.mu.Unlock()
	return ep.read(call, ctx, p)
}

func testDevice(t *testing.T, ep *fakeEndpoint) (*Driver, *hw.DevInst, *device, *[]byte) {
	t.Helper()
	drv := New(WithLogger(log.New(io.Discard, "fx2la: ", 0)))

	var ctls []byte
	c := &device{
		ep:   ep,
		rate: 1000000,
		ctl: func(req uint8, data []byte) error {
			ctls = append(ctls, req)
			return nil
		},
	}
	dev := &hw.DevInst{
		Vendor: "sigrok",
		Model:  "fx2lafw",
		Serial: "test",
		Driver: drv,
		Status: hw.StatusActive,
		Priv:   c,
	}
	for i := 0; i < 8; i++ {
		dev.Channels = append(dev.Channels,
			feed.NewChannel(i, fmt.Sprintf("D%d", i), feed.ChannelLogic))
	}
	return drv, dev, c, &ctls
}

// pump drives the registered source until the driver publishes an End
// packet.
func pump(t *testing.T, sched *fakeSched, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if _, ends := sched.counts(); ends > 0 {
			return
		}
		if len(sched.srcs) == 0 {
			t.Fatalf("no source registered and no end packet published")
		}
		src := sched.srcs[0]
		select {
		case <-src.Ready:
			src.Callback(hw.EventReady)
		case <-deadline:
			t.Fatalf("timeout waiting for acquisition to finish")
		}
	}
}

func TestAcquisitionLimit(t *testing.T) {
	ep := &fakeEndpoint{
		read: func(call int, ctx context.Context, p []byte) (int, error) {
			for i := range p {
				p[i] = byte(i)
			}
			return len(p), nil
		},
	}
	drv, dev, c, ctls := testDevice(t, ep)
	sched := &fakeSched{}

	if err := drv.ConfigSet(dev, nil, hw.KeyLimitSamples, uint64(2000)); err != nil {
		t.Fatalf("could not set sample limit: %+v", err)
	}
	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}
	if got, want := fmt.Sprintf("%v", *ctls), fmt.Sprintf("%v", []byte{cmdStart}); got != want {
		t.Fatalf("invalid control requests: got=%s, want=%s", got, want)
	}
	if _, ok := sched.pkts[0].(feed.Header); !ok {
		t.Fatalf("first packet is not a header: %T", sched.pkts[0])
	}
	if _, ok := sched.pkts[1].(feed.Meta); !ok {
		t.Fatalf("second packet is not a meta: %T", sched.pkts[1])
	}

	pump(t, sched, 5*time.Second)

	samples, ends := sched.counts()
	if samples != 2000 {
		t.Fatalf("invalid number of samples: got=%d, want=2000", samples)
	}
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}
	if _, ok := sched.pkts[len(sched.pkts)-1].(feed.End); !ok {
		t.Fatalf("last packet is not an end: %T", sched.pkts[len(sched.pkts)-1])
	}
	if c.state != hw.Stopped {
		t.Fatalf("invalid final state: got=%v, want=%v", c.state, hw.Stopped)
	}
	if len(sched.srcs) != 0 {
		t.Fatalf("source not deregistered after acquisition")
	}
}

func TestTriggeredCaptureBeyondLimit(t *testing.T) {
	// the trigger condition only appears after far more than
	// limit-samples worth of pre-trigger data; the transfer budget must
	// not cap submission while the trigger is armed.
	ep := &fakeEndpoint{
		read: func(call int, ctx context.Context, p []byte) (int, error) {
			fill := byte(0x00)
			if call >= 5 {
				fill = 0xff
			}
			for i := range p {
				p[i] = fill
			}
			return len(p), nil
		},
	}
	drv, dev, c, _ := testDevice(t, ep)
	sched := &fakeSched{}

	spec := trigger.Spec{
		Stages: []trigger.Stage{
			{Matches: []trigger.Match{{Channel: dev.Channels[0], Cond: trigger.Rising}}},
		},
	}
	if err := drv.ConfigSet(dev, nil, hw.KeyTriggerSpec, &spec); err != nil {
		t.Fatalf("could not set trigger: %+v", err)
	}
	if err := drv.ConfigSet(dev, nil, hw.KeyLimitSamples, uint64(512)); err != nil {
		t.Fatalf("could not set sample limit: %+v", err)
	}
	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	pump(t, sched, 5*time.Second)

	samples, ends := sched.counts()
	if samples != 512 {
		t.Fatalf("invalid number of samples: got=%d, want=512", samples)
	}
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}
	var trig int
	for _, pkt := range sched.pkts {
		switch pkt.(type) {
		case feed.Trigger:
			trig++
		case feed.Logic:
			if trig == 0 {
				t.Fatalf("logic packet published before trigger")
			}
		}
	}
	if trig != 1 {
		t.Fatalf("invalid number of trigger packets: got=%d, want=1", trig)
	}
	if c.state != hw.Stopped {
		t.Fatalf("invalid final state: got=%v, want=%v", c.state, hw.Stopped)
	}
}

func TestStopTeardownOrdering(t *testing.T) {
	ep := &fakeEndpoint{
		read: func(call int, ctx context.Context, p []byte) (int, error) {
			if call == 0 {
				return len(p), nil
			}
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	drv, dev, c, _ := testDevice(t, ep)
	sched := &fakeSched{}

	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	if err := drv.StopAcquisition(dev); err != nil {
		t.Fatalf("could not stop acquisition: %+v", err)
	}
	if err := drv.StopAcquisition(dev); err != nil {
		t.Fatalf("second stop failed: %+v", err)
	}

	// the end packet may only appear once every cancelled transfer's
	// completion has been collected.
	if _, ends := sched.counts(); ends != 0 && c.eng.Outstanding() > 0 {
		t.Fatalf("end packet published with %d outstanding transfers", c.eng.Outstanding())
	}

	pump(t, sched, 5*time.Second)

	if !c.eng.Drained() {
		t.Fatalf("engine not drained after teardown")
	}
	_, ends := sched.counts()
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}
	if _, ok := sched.pkts[len(sched.pkts)-1].(feed.End); !ok {
		t.Fatalf("last packet is not an end: %T", sched.pkts[len(sched.pkts)-1])
	}
}

func TestStartErrors(t *testing.T) {
	ep := &fakeEndpoint{
		read: func(call int, ctx context.Context, p []byte) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	drv, dev, c, _ := testDevice(t, ep)
	sched := &fakeSched{}

	c.ctl = func(req uint8, data []byte) error {
		return errors.New("ep0 write failed")
	}
	err := drv.StartAcquisition(dev, sched)
	if err == nil {
		t.Fatalf("start with failing control transfer did not fail")
	}
	if c.state != hw.Idle {
		t.Fatalf("invalid state after failed start: got=%v, want=%v", c.state, hw.Idle)
	}
	if len(sched.pkts) != 0 {
		t.Fatalf("packets published by failed start: %d", len(sched.pkts))
	}
}

func TestStartCommand(t *testing.T) {
	for _, tc := range []struct {
		rate uint64
		wide bool
		want []byte
	}{
		{rate: 24000000, want: []byte{startFlagsClk48, 1, 0}},
		{rate: 30000000, want: []byte{0, 0, 0}},
		{rate: 1000000, wide: true, want: []byte{startFlagsWide | startFlagsClk48, 47, 0}},
	} {
		t.Run(fmt.Sprintf("rate=%d-wide=%v", tc.rate, tc.wide), func(t *testing.T) {
			c := &device{rate: tc.rate, wide: tc.wide}
			got := c.startCommand()
			if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", tc.want) {
				t.Fatalf("invalid start command: got=%v, want=%v", got, tc.want)
			}
		})
	}
}
