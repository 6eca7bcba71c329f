// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dso drives Hantek DSO-2xxx class USB oscilloscopes: the
// host polls the hardware capture state and fetches one frame buffer
// per completed sweep, bracketed by frame markers on the datafeed.
package dso // import "github.com/go-acq/acq/drivers/dso"

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gousb"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/internal/swlimit"
)

// hardware capture states, as reported by the get-capture-state
// command.
const (
	captureEmpty   = 0
	captureFilling = 1
	captureReady   = 2
)

const (
	pollInterval = 20 * time.Millisecond

	// consecutive capture-empty polls tolerated before the device is
	// declared wedged.
	maxEmptyPolls = 100

	defaultRate      = 50000000
	defaultFrameSize = 10240
	defaultVDiv      = 1.0 // V/div

	numChannels = 2
	vdivFullMV  = 10000 // 10 divisions, in mV/V of vdiv
)

// KeyVDiv is the per-channel-group vertical sensitivity, in volts per
// division.
const KeyVDiv hw.ConfigKey = "vdiv"

// conn is the wire surface of one scope; faked in tests.
type conn interface {
	captureState() (byte, error)
	startCapture() error
	stopCapture() error
	fetchFrame(p []byte) (int, error)
	close() error
}

// Driver is the Hantek DSO driver.
type Driver struct {
	msg *log.Logger
	usb *gousb.Context
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the logger used by the driver.
func WithLogger(msg *log.Logger) Option {
	return func(drv *Driver) { drv.msg = msg }
}

// New creates a DSO driver.
func New(opts ...Option) *Driver {
	drv := &Driver{
		msg: log.New(os.Stdout, "dso: ", 0),
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

var _ hw.Driver = (*Driver)(nil)

func (drv *Driver) Name() string { return "hantek-dso" }

// device is the driver-private context of one scope.
type device struct {
	state hw.AcqState
	sched hw.Scheduler

	udev *gousb.Device
	conn conn

	rate      uint64
	framesize int
	vdiv      [numChannels]float64
	limits    swlimit.Limits

	cnt        *swlimit.Counter
	emptyPolls int
	frame      []byte
	ended      bool
}

type model struct {
	vid, pid gousb.ID
	name     string
}

var models = []model{
	{0x04b4, 0x2090, "DSO-2090"},
	{0x04b5, 0x2250, "DSO-2250"},
}

func (drv *Driver) Scan(opts map[hw.ConfigKey]interface{}) ([]*hw.DevInst, error) {
	if drv.usb == nil {
		drv.usb = gousb.NewContext()
	}

	var devs []*hw.DevInst
	udevs, err := drv.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, m := range models {
			if desc.Vendor == m.vid && desc.Product == m.pid {
				return true
			}
		}
		return false
	})
	if err != nil && len(udevs) == 0 {
		return nil, fmt.Errorf("dso: could not enumerate devices: %w", err)
	}

	for _, udev := range udevs {
		var m model
		for _, cand := range models {
			if udev.Desc.Vendor == cand.vid && udev.Desc.Product == cand.pid {
				m = cand
				break
			}
		}
		serial, _ := udev.SerialNumber()

		c := &device{
			udev:      udev,
			rate:      defaultRate,
			framesize: defaultFrameSize,
		}
		for i := range c.vdiv {
			c.vdiv[i] = defaultVDiv
		}

		dev := &hw.DevInst{
			Vendor: "Hantek",
			Model:  m.name,
			Serial: serial,
			Driver: drv,
			Priv:   c,
		}
		for i := 0; i < numChannels; i++ {
			dev.Channels = append(dev.Channels,
				feed.NewChannel(i, fmt.Sprintf("CH%d", i+1), feed.ChannelAnalog))
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

func (drv *Driver) ctx(dev *hw.DevInst) (*device, error) {
	c, ok := dev.Priv.(*device)
	if !ok || c == nil {
		return nil, fmt.Errorf("dso: device %v not scanned by this driver: %w", dev, acq.ErrArgument)
	}
	return c, nil
}

// usbConnect claims the scope's endpoints. Swapped out in tests.
var usbConnect = usbConnectImpl

func usbConnectImpl(c *device) (conn, error) {
	return newUSBConn(c.udev)
}

func (drv *Driver) Open(dev *hw.DevInst) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if dev.Status == hw.StatusActive {
		return nil
	}

	dev.Status = hw.StatusInitializing
	cn, err := usbConnect(c)
	if err != nil {
		dev.Status = hw.StatusInactive
		return fmt.Errorf("dso: could not connect to %v: %w", dev, err)
	}
	c.conn = cn
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
	if c.conn != nil {
		_ = c.conn.close()
		c.conn = nil
	}
	if c.udev != nil {
		_ = c.udev.Close()
		c.udev = nil
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
	case hw.KeyLimitFrames:
		return c.limits.Frames, nil
	case hw.KeyLimitDuration:
		return c.limits.Duration, nil
	case KeyVDiv:
		i, err := c.groupIndex(dev, grp)
		if err != nil {
			return nil, err
		}
		return c.vdiv[i], nil
	}
	return nil, fmt.Errorf("dso: unknown config key %q: %w", key, acq.ErrArgument)
}

func (c *device) groupIndex(dev *hw.DevInst, grp *hw.ChannelGroup) (int, error) {
	if grp == nil || len(grp.Channels) != 1 {
		return 0, fmt.Errorf("dso: vdiv needs a single-channel group: %w", acq.ErrArgument)
	}
	i := grp.Channels[0].Index
	if i < 0 || i >= numChannels {
		return 0, fmt.Errorf("dso: invalid channel index %d: %w", i, acq.ErrArgument)
	}
	return i, nil
}

func (drv *Driver) ConfigSet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey, val interface{}) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing {
		return fmt.Errorf("dso: device %v is capturing: %w", dev, acq.ErrDeviceBusy)
	}

	switch key {
	case hw.KeySampleRate:
		rate, ok := val.(uint64)
		if !ok || rate == 0 {
			return fmt.Errorf("dso: invalid sample rate %v: %w", val, acq.ErrArgument)
		}
		c.rate = rate
	case hw.KeyLimitFrames:
		n, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("dso: invalid frame limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Frames = n
	case hw.KeyLimitDuration:
		d, ok := val.(time.Duration)
		if !ok {
			return fmt.Errorf("dso: invalid duration limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Duration = d
	case KeyVDiv:
		v, ok := val.(float64)
		if !ok || v <= 0 {
			return fmt.Errorf("dso: invalid vdiv %v: %w", val, acq.ErrArgument)
		}
		i, err := c.groupIndex(dev, grp)
		if err != nil {
			return err
		}
		c.vdiv[i] = v
	default:
		return fmt.Errorf("dso: unknown config key %q: %w", key, acq.ErrArgument)
	}
	return nil
}

func (drv *Driver) ConfigList(dev *hw.DevInst, grp *hw.ChannelGroup) []hw.ConfigKey {
	if grp != nil {
		return []hw.ConfigKey{KeyVDiv}
	}
	return []hw.ConfigKey{
		hw.KeySampleRate,
		hw.KeyLimitFrames,
		hw.KeyLimitDuration,
	}
}

func (drv *Driver) StartAcquisition(dev *hw.DevInst, sched hw.Scheduler) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if dev.Status != hw.StatusActive || c.conn == nil {
		return fmt.Errorf("dso: device %v is not open: %w", dev, acq.ErrArgument)
	}
	if c.state != hw.Idle && c.state != hw.Stopped {
		return fmt.Errorf("dso: device %v is %v: %w", dev, c.state, acq.ErrDeviceBusy)
	}

	c.state = hw.Configuring
	c.sched = sched
	c.cnt = swlimit.New(c.limits)
	c.emptyPolls = 0
	c.frame = make([]byte, c.framesize*numChannels)
	c.ended = false

	if err := c.conn.startCapture(); err != nil {
		c.state = hw.Idle
		return fmt.Errorf("dso: could not start capture: %w", acq.ErrHardware)
	}

	err = sched.Register(&hw.Source{
		Handle:   c,
		Timeout:  pollInterval,
		Callback: func(ev hw.Event) { drv.onPoll(dev, c) },
	})
	if err != nil {
		c.state = hw.Idle
		_ = c.conn.stopCapture()
		return fmt.Errorf("dso: could not register source: %w", err)
	}

	if err := sched.Publish(dev, feed.NewHeader()); err != nil {
		_ = sched.Deregister(c)
		_ = c.conn.stopCapture()
		c.state = hw.Idle
		return fmt.Errorf("dso: could not publish header: %w", err)
	}
	_ = sched.Publish(dev, feed.SampleRate(c.rate))

	c.cnt.Start()
	c.state = hw.Capturing
	drv.msg.Printf("started %v: rate=%d Hz, frame=%d samples", dev, c.rate, c.framesize)
	return nil
}

// onPoll advances the capture cycle one step: poll the hardware state,
// fetch a completed frame, re-arm for the next sweep.
func (drv *Driver) onPoll(dev *hw.DevInst, c *device) {
	if c.state != hw.Capturing {
		return
	}

	st, err := c.conn.captureState()
	if err != nil {
		drv.msg.Printf("could not poll capture state of %v: %+v", dev, err)
		drv.stop(dev, c)
		return
	}

	switch st {
	case captureEmpty:
		c.emptyPolls++
		if c.emptyPolls > maxEmptyPolls {
			drv.msg.Printf("device %v wedged: %d capture-empty polls", dev, c.emptyPolls)
			drv.stop(dev, c)
		}

	case captureFilling:
		c.emptyPolls = 0

	case captureReady:
		c.emptyPolls = 0
		if err := drv.fetch(dev, c); err != nil {
			drv.msg.Printf("could not fetch frame from %v: %+v", dev, err)
			drv.stop(dev, c)
			return
		}
		c.cnt.AddFrames(1)
		if c.cnt.Reached() {
			drv.stop(dev, c)
			return
		}
		// re-arm for the next sweep.
		if err := c.conn.startCapture(); err != nil {
			drv.msg.Printf("could not re-arm %v: %+v", dev, err)
			drv.stop(dev, c)
		}

	default:
		drv.msg.Printf("device %v reported unknown capture state %d", dev, st)
		drv.stop(dev, c)
	}
}

// fetch reads one frame and publishes it as a frame-bracketed analog
// packet: interleaved unsigned 8-bit samples, one per channel, scaled
// to volts from the per-channel vertical sensitivity.
func (drv *Driver) fetch(dev *hw.DevInst, c *device) error {
	n, err := c.conn.fetchFrame(c.frame)
	if err != nil {
		return fmt.Errorf("dso: could not read frame: %w", acq.ErrIO)
	}
	n -= n % numChannels
	if n == 0 {
		return nil
	}

	_ = c.sched.Publish(dev, feed.FrameBegin{})

	for i := 0; i < numChannels; i++ {
		ch := dev.Channels[i]
		if !ch.Enabled {
			continue
		}
		data := make([]byte, n/numChannels)
		for j := range data {
			data[j] = c.frame[j*numChannels+i]
		}

		mv := int64(c.vdiv[i] * 1000)
		pkt := feed.Analog{
			Data:       data,
			NumSamples: len(data),
			Encoding: feed.Encoding{
				UnitSize: 1,
				Scale:    feed.Rational{P: mv * vdivFullMV, Q: 255 * 1000 * 1000},
				Offset:   feed.Rational{P: -mv * vdivFullMV / 2, Q: 1000 * 1000},
				Digits:   8,
			},
			Meaning: feed.Meaning{
				Quantity: feed.Voltage,
				Unit:     feed.Volt,
				Flags:    feed.DC,
				Channels: []*feed.Channel{ch},
			},
			Spec: feed.Spec{Digits: 8},
		}
		_ = c.sched.Publish(dev, pkt)
	}

	_ = c.sched.Publish(dev, feed.FrameEnd{})
	return nil
}

// stop deregisters the poll source and emits the End packet.
// Idempotent.
func (drv *Driver) stop(dev *hw.DevInst, c *device) {
	if c.ended {
		return
	}
	c.state = hw.Draining
	_ = c.conn.stopCapture()
	if c.sched != nil {
		_ = c.sched.Deregister(c)
		_ = c.sched.Publish(dev, feed.End{})
	}
	c.ended = true
	c.state = hw.Stopped
	drv.msg.Printf("stopped %v: %d frames", dev, c.cnt.Frames())
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
