// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dso

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"testing"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
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

func (s *fakeSched) tick() {
	srcs := make([]*hw.Source, len(s.srcs))
	copy(srcs, s.srcs)
	for _, src := range srcs {
		src.Callback(hw.EventTimeout)
	}
}

// fakeConn cycles empty -> filling -> ready on every poll round and
// serves an interleaved two-channel ramp as frame data.
type fakeConn struct {
	states []byte
	polls  int
	starts int
	frame  []byte
	err    error
}

func (cn *fakeConn) captureState() (byte, error) {
	if cn.err != nil {
		return 0, cn.err
	}
	st := cn.states[cn.polls%len(cn.states)]
	cn.polls++
	return st, nil
}

func (cn *fakeConn) startCapture() error { cn.starts++; return nil }
func (cn *fakeConn) stopCapture() error  { return nil }
func (cn *fakeConn) close() error        { return nil }

func (cn *fakeConn) fetchFrame(p []byte) (int, error) {
	return copy(p, cn.frame), nil
}

func testDevice(t *testing.T, cn conn) (*Driver, *hw.DevInst, *device) {
	t.Helper()
	drv := New(WithLogger(log.New(io.Discard, "dso: ", 0)))

	c := &device{
		conn:      cn,
		rate:      defaultRate,
		framesize: 4,
	}
	for i := range c.vdiv {
		c.vdiv[i] = defaultVDiv
	}

	dev := &hw.DevInst{
		Vendor: "Hantek",
		Model:  "DSO-2090",
		Serial: "test",
		Driver: drv,
		Status: hw.StatusActive,
		Priv:   c,
	}
	for i := 0; i < numChannels; i++ {
		dev.Channels = append(dev.Channels,
			feed.NewChannel(i, fmt.Sprintf("CH%d", i+1), feed.ChannelAnalog))
	}
	return drv, dev, c
}

func TestFrameCycle(t *testing.T) {
	cn := &fakeConn{
		states: []byte{captureEmpty, captureFilling, captureReady},
		frame:  []byte{0, 255, 64, 191, 128, 128, 255, 0},
	}
	drv, dev, c := testDevice(t, cn)
	sched := &fakeSched{}

	if err := drv.ConfigSet(dev, nil, hw.KeyLimitFrames, uint64(2)); err != nil {
		t.Fatalf("could not set frame limit: %+v", err)
	}
	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}
	if cn.starts != 1 {
		t.Fatalf("invalid number of capture starts: got=%d, want=1", cn.starts)
	}

	for i := 0; i < 20 && len(sched.srcs) > 0; i++ {
		sched.tick()
	}

	var (
		frames int
		ends   int
		seq    []string
	)
	for _, pkt := range sched.pkts {
		switch pkt.(type) {
		case feed.FrameBegin:
			seq = append(seq, "begin")
		case feed.Analog:
			seq = append(seq, "analog")
		case feed.FrameEnd:
			seq = append(seq, "end")
			frames++
		case feed.End:
			ends++
		}
	}
	if frames != 2 {
		t.Fatalf("invalid number of frames: got=%d, want=2", frames)
	}
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}
	want := "[begin analog analog end begin analog analog end]"
	if got := fmt.Sprint(seq); got != want {
		t.Fatalf("invalid frame sequence:\ngot = %s\nwant= %s", got, want)
	}
	if c.state != hw.Stopped {
		t.Fatalf("invalid final state: got=%v, want=%v", c.state, hw.Stopped)
	}

	// one start per acquisition plus one re-arm after the first frame.
	if cn.starts != 2 {
		t.Fatalf("invalid number of capture starts: got=%d, want=2", cn.starts)
	}
}

func TestFrameScaling(t *testing.T) {
	// vdiv=1 V/div: raw 0 -> -5 V, 128 -> ~+0.02 V, 255 -> +5 V.
	cn := &fakeConn{
		states: []byte{captureReady},
		frame:  []byte{0, 128, 255, 128},
	}
	drv, dev, _ := testDevice(t, cn)
	sched := &fakeSched{}

	if err := drv.ConfigSet(dev, nil, hw.KeyLimitFrames, uint64(1)); err != nil {
		t.Fatalf("could not set frame limit: %+v", err)
	}
	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}
	sched.tick()

	var vals [][]float32
	for _, pkt := range sched.pkts {
		p, ok := pkt.(feed.Analog)
		if !ok {
			continue
		}
		vs, err := p.Values()
		if err != nil {
			t.Fatalf("could not decode analog packet: %+v", err)
		}
		vals = append(vals, vs)
	}
	if len(vals) != 2 {
		t.Fatalf("invalid number of analog packets: got=%d, want=2", len(vals))
	}

	// channel 1 got raw samples {0, 255}, channel 2 {128, 128}.
	for i, want := range []float32{-5, 5} {
		if got := vals[0][i]; math.Abs(float64(got-want)) > 1e-6 {
			t.Fatalf("invalid CH1 value[%d]: got=%v, want=%v", i, got, want)
		}
	}
	for i := range vals[1] {
		if got := vals[1][i]; math.Abs(float64(got)) > 0.03 {
			t.Fatalf("invalid CH2 value[%d]: got=%v, want~0", i, got)
		}
	}
}

func TestEmptyPollCeiling(t *testing.T) {
	cn := &fakeConn{states: []byte{captureEmpty}}
	drv, dev, c := testDevice(t, cn)
	sched := &fakeSched{}

	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	for i := 0; i < maxEmptyPolls+10 && len(sched.srcs) > 0; i++ {
		sched.tick()
	}

	var ends int
	for _, pkt := range sched.pkts {
		if _, ok := pkt.(feed.End); ok {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}
	if c.state != hw.Stopped {
		t.Fatalf("invalid final state: got=%v, want=%v", c.state, hw.Stopped)
	}
}

func TestVDivConfig(t *testing.T) {
	cn := &fakeConn{states: []byte{captureEmpty}}
	drv, dev, c := testDevice(t, cn)

	grp := &hw.ChannelGroup{Name: "CH2", Channels: dev.Channels[1:2]}
	if err := drv.ConfigSet(dev, grp, KeyVDiv, 0.5); err != nil {
		t.Fatalf("could not set vdiv: %+v", err)
	}
	if got, want := c.vdiv[1], 0.5; got != want {
		t.Fatalf("invalid vdiv: got=%v, want=%v", got, want)
	}

	if err := drv.ConfigSet(dev, nil, KeyVDiv, 0.5); !errors.Is(err, acq.ErrArgument) {
		t.Fatalf("invalid group-less vdiv error: got=%v, want=%v", err, acq.ErrArgument)
	}
	if err := drv.ConfigSet(dev, grp, KeyVDiv, -1.0); !errors.Is(err, acq.ErrArgument) {
		t.Fatalf("invalid negative vdiv error: got=%v, want=%v", err, acq.ErrArgument)
	}
}
