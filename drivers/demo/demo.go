// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package demo implements a virtual instrument driver generating
// deterministic logic patterns and analog waveforms, useful for
// exercising the acquisition engine without hardware.
package demo // import "github.com/go-acq/acq/drivers/demo"

import (
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/internal/swlimit"
	"github.com/go-acq/acq/trigger"
)

const (
	defaultRate    = 1000000 // Hz
	defaultLogic   = 8
	defaultAnalog  = 2
	batchInterval  = 10 * time.Millisecond
	analogDigits   = 4
	sineResolution = 1024
)

// Driver is the virtual-device driver.
type Driver struct {
	msg *log.Logger

	nlogic  int
	nanalog int
}

// Option configures the demo driver.
type Option func(*Driver)

// WithLogger sets the logger used by the driver.
func WithLogger(msg *log.Logger) Option {
	return func(drv *Driver) { drv.msg = msg }
}

// WithChannels sets the number of generated logic and analog channels.
func WithChannels(nlogic, nanalog int) Option {
	return func(drv *Driver) {
		drv.nlogic = nlogic
		drv.nanalog = nanalog
	}
}

// New creates a demo driver.
func New(opts ...Option) *Driver {
	drv := &Driver{
		msg:     log.New(os.Stdout, "demo: ", 0),
		nlogic:  defaultLogic,
		nanalog: defaultAnalog,
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

var _ hw.Driver = (*Driver)(nil)

func (drv *Driver) Name() string { return "demo" }

// device is the driver-private context of one virtual instrument.
type device struct {
	state hw.AcqState
	sched hw.Scheduler

	rate   uint64
	limits swlimit.Limits
	ratio  uint64 // percent of the sample limit kept before the trigger
	tspec  *trigger.Spec
	unit   int

	cnt       *swlimit.Counter
	matcher   *trigger.Matcher
	triggered bool
	processed uint64 // logic samples fed to the matcher
	pattern   uint64 // logic pattern counter
	phase     uint64 // analog waveform position
	ended     bool
}

func (drv *Driver) Scan(opts map[hw.ConfigKey]interface{}) ([]*hw.DevInst, error) {
	dev := &hw.DevInst{
		Vendor: "acq",
		Model:  "Demo device",
		Serial: "demo-0",
		Driver: drv,
		Priv:   &device{rate: defaultRate},
	}
	for i := 0; i < drv.nlogic; i++ {
		dev.Channels = append(dev.Channels,
			feed.NewChannel(i, fmt.Sprintf("D%d", i), feed.ChannelLogic))
	}
	for i := 0; i < drv.nanalog; i++ {
		dev.Channels = append(dev.Channels,
			feed.NewChannel(drv.nlogic+i, fmt.Sprintf("A%d", i), feed.ChannelAnalog))
	}
	return []*hw.DevInst{dev}, nil
}

func (drv *Driver) ctx(dev *hw.DevInst) (*device, error) {
	c, ok := dev.Priv.(*device)
	if !ok || c == nil {
		return nil, fmt.Errorf("demo: device %v not scanned by this driver: %w", dev, acq.ErrArgument)
	}
	return c, nil
}

func (drv *Driver) Open(dev *hw.DevInst) error {
	if _, err := drv.ctx(dev); err != nil {
		return err
	}
	dev.Status = hw.StatusActive
	return nil
}

func (drv *Driver) Close(dev *hw.DevInst) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing {
		if err := drv.StopAcquisition(dev); err != nil {
			return err
		}
	}
	dev.Status = hw.StatusInactive
	return nil
}

func (drv *Driver) ConfigGet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey) (interface{}, error) {
	c, err := drv.ctx(dev)
	if err != nil {
		return nil, err
	}
	switch key {
	case hw.KeySampleRate:
		return c.rate, nil
	case hw.KeyLimitSamples:
		return c.limits.Samples, nil
	case hw.KeyLimitFrames:
		return c.limits.Frames, nil
	case hw.KeyLimitDuration:
		return c.limits.Duration, nil
	case hw.KeyCaptureRatio:
		return c.ratio, nil
	}
	return nil, fmt.Errorf("demo: unknown config key %q: %w", key, acq.ErrArgument)
}

func (drv *Driver) ConfigSet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey, val interface{}) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing {
		return fmt.Errorf("demo: device %v is capturing: %w", dev, acq.ErrDeviceBusy)
	}

	switch key {
	case hw.KeySampleRate:
		rate, ok := val.(uint64)
		if !ok || rate == 0 {
			return fmt.Errorf("demo: invalid sample rate %v: %w", val, acq.ErrArgument)
		}
		c.rate = rate
	case hw.KeyLimitSamples:
		n, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("demo: invalid sample limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Samples = n
	case hw.KeyLimitFrames:
		n, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("demo: invalid frame limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Frames = n
	case hw.KeyLimitDuration:
		d, ok := val.(time.Duration)
		if !ok {
			return fmt.Errorf("demo: invalid duration limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Duration = d
	case hw.KeyCaptureRatio:
		r, ok := val.(uint64)
		if !ok || r > 100 {
			return fmt.Errorf("demo: invalid capture ratio %v: %w", val, acq.ErrArgument)
		}
		c.ratio = r
	case hw.KeyTriggerSpec:
		switch spec := val.(type) {
		case nil:
			c.tspec = nil
		case *trigger.Spec:
			c.tspec = spec
		case trigger.Spec:
			c.tspec = &spec
		default:
			return fmt.Errorf("demo: invalid trigger spec %v: %w", val, acq.ErrArgument)
		}
	default:
		return fmt.Errorf("demo: unknown config key %q: %w", key, acq.ErrArgument)
	}
	return nil
}

func (drv *Driver) ConfigList(dev *hw.DevInst, grp *hw.ChannelGroup) []hw.ConfigKey {
	return []hw.ConfigKey{
		hw.KeySampleRate,
		hw.KeyLimitSamples,
		hw.KeyLimitFrames,
		hw.KeyLimitDuration,
		hw.KeyCaptureRatio,
		hw.KeyTriggerSpec,
	}
}

func (drv *Driver) StartAcquisition(dev *hw.DevInst, sched hw.Scheduler) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if dev.Status != hw.StatusActive {
		return fmt.Errorf("demo: device %v is not open: %w", dev, acq.ErrArgument)
	}
	if c.state != hw.Idle && c.state != hw.Stopped {
		return fmt.Errorf("demo: device %v is %v: %w", dev, c.state, acq.ErrDeviceBusy)
	}

	c.state = hw.Configuring
	c.sched = sched
	c.unit = feed.LogicUnitSize(dev.Channels)
	c.cnt = swlimit.New(c.limits)
	c.triggered = false
	c.processed = 0
	c.pattern = 0
	c.phase = 0
	c.ended = false

	c.matcher = nil
	if c.tspec != nil {
		pre := 0
		if c.limits.Samples > 0 {
			pre = int(c.limits.Samples * c.ratio / 100)
		}
		m, err := trigger.New(*c.tspec, c.unit, pre, func(pkt feed.Packet) {
			_ = sched.Publish(dev, pkt)
		})
		if err != nil {
			c.state = hw.Idle
			return fmt.Errorf("demo: could not arm trigger: %w", err)
		}
		c.matcher = m
	}

	err = sched.Register(&hw.Source{
		Handle:   c,
		Timeout:  batchInterval,
		Callback: func(ev hw.Event) { drv.onTick(dev, c) },
	})
	if err != nil {
		c.state = hw.Idle
		return fmt.Errorf("demo: could not register source: %w", err)
	}

	if err := sched.Publish(dev, feed.NewHeader()); err != nil {
		c.state = hw.Idle
		_ = sched.Deregister(c)
		return fmt.Errorf("demo: could not publish header: %w", err)
	}
	_ = sched.Publish(dev, feed.SampleRate(c.rate))

	c.cnt.Start()
	c.state = hw.Capturing
	drv.msg.Printf("started %v: rate=%d Hz, unit=%d", dev, c.rate, c.unit)
	return nil
}

// onTick generates one batch of samples. Limits are checked after
// emission; reaching one stops the acquisition from inside the
// callback.
func (drv *Driver) onTick(dev *hw.DevInst, c *device) {
	if c.state != hw.Capturing {
		return
	}

	n := int(c.rate * uint64(batchInterval) / uint64(time.Second))
	if n == 0 {
		n = 1
	}
	if rem := c.cnt.Remaining(uint64(n)); rem < uint64(n) {
		n = int(rem)
	}
	if n == 0 {
		drv.stop(dev, c)
		return
	}

	logic := c.genLogic(n)
	switch {
	case c.matcher == nil:
		_ = c.sched.Publish(dev, feed.Logic{Data: logic, UnitSize: c.unit})
		c.cnt.AddSamples(uint64(n))
		drv.emitAnalog(dev, c, n)

	case !c.triggered:
		off, pre, ok, err := c.matcher.Check(logic)
		c.processed += uint64(n)
		if err != nil {
			drv.msg.Printf("could not match trigger on %v: %+v", dev, err)
			drv.stop(dev, c)
			return
		}
		if !ok {
			return
		}
		c.triggered = true
		rel := int(c.processed) - int(off)
		post := logic[(n-rel)*c.unit:]
		if len(post) > 0 {
			_ = c.sched.Publish(dev, feed.Logic{Data: post, UnitSize: c.unit})
		}
		c.cnt.AddSamples(uint64(pre + rel))
		drv.emitAnalog(dev, c, rel)

	default:
		_ = c.sched.Publish(dev, feed.Logic{Data: logic, UnitSize: c.unit})
		c.cnt.AddSamples(uint64(n))
		drv.emitAnalog(dev, c, n)
	}

	if c.cnt.Reached() {
		drv.stop(dev, c)
	}
}

// genLogic produces n unit-size samples of an incrementing counter
// pattern across the logic channels.
func (c *device) genLogic(n int) []byte {
	buf := make([]byte, n*c.unit)
	for i := 0; i < n; i++ {
		v := c.pattern
		c.pattern++
		for j := 0; j < c.unit; j++ {
			buf[i*c.unit+j] = byte(v >> (8 * j))
		}
	}
	return buf
}

func (drv *Driver) emitAnalog(dev *hw.DevInst, c *device, n int) {
	chans := dev.AnalogChannels()
	if len(chans) == 0 || n == 0 {
		return
	}

	pkt := feed.NewAnalog(analogDigits)
	pkt.Meaning.Quantity = feed.Voltage
	pkt.Meaning.Unit = feed.Volt
	pkt.Meaning.Channels = chans

	vals := make([]float32, 0, n*len(chans))
	for i := 0; i < n; i++ {
		p := c.phase
		c.phase++
		for j := range chans {
			// each channel is phase-shifted by a quarter period.
			arg := 2 * math.Pi * float64(p+uint64(j)*sineResolution/4) / sineResolution
			vals = append(vals, float32(math.Sin(arg)))
		}
	}
	pkt.SetFloats(vals)
	_ = c.sched.Publish(dev, pkt)
}

// stop deregisters the source and emits the End packet. Idempotent.
func (drv *Driver) stop(dev *hw.DevInst, c *device) {
	if c.ended {
		return
	}
	c.state = hw.Draining
	if c.sched != nil {
		_ = c.sched.Deregister(c)
		_ = c.sched.Publish(dev, feed.End{})
	}
	c.ended = true
	c.state = hw.Stopped
	drv.msg.Printf("stopped %v: %d samples", dev, c.cnt.Samples())
}

func (drv *Driver) StopAcquisition(dev *hw.DevInst) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state != hw.Capturing && c.state != hw.Draining {
		return nil
	}
	drv.stop(dev, c)
	return nil
}
