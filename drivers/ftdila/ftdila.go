// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ftdila drives plain FTDI chips (FT232R, FT2232H) abused as
// 8-channel logic analyzers: the chip samples its I/O pins in
// synchronous bitbang mode and streams one byte per sample.
package ftdila // import "github.com/go-acq/acq/drivers/ftdila"

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ziutek/ftdi"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/internal/stream"
	"github.com/go-acq/acq/internal/swlimit"
	"github.com/go-acq/acq/trigger"
)

const (
	pollInterval = 10 * time.Millisecond
	numChannels  = 8
	defaultRate  = 1000000 // Hz

	// consecutive data-less polls tolerated before the chip is
	// declared unresponsive.
	maxIdlePolls = 200
)

type chip struct {
	vid, pid uint16
	name     string
	// the pin-sampling clock is a fixed fraction of the chip's base
	// clock; rate requests are clamped against it.
	maxRate uint64
}

var chips = []chip{
	{0x0403, 0x6001, "FT232R", 3000000},
	{0x0403, 0x6010, "FT2232H", 10000000},
	{0x0403, 0x6014, "FT232H", 10000000},
}

// ftdiDevice is the subset of the FTDI handle the driver uses; faked
// in tests.
type ftdiDevice interface {
	Reset() error
	SetBitmode(iomask byte, mode ftdi.Mode) error
	SetBaudrate(rate int) error
	SetLatencyTimer(lt int) error
	SetReadChunkSize(cs int) error
	PurgeBuffers() error

	io.Reader
	io.Closer
}

var ftdiOpen = ftdiOpenImpl

func ftdiOpenImpl(vid, pid uint16) (ftdiDevice, error) {
	dev, err := ftdi.OpenFirst(int(vid), int(pid), ftdi.ChannelAny)
	return dev, err
}

// Driver is the FTDI bitbang logic-analyzer driver.
type Driver struct {
	msg *log.Logger
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the logger used by the driver.
func WithLogger(msg *log.Logger) Option {
	return func(drv *Driver) { drv.msg = msg }
}

// New creates an ftdi-la driver.
func New(opts ...Option) *Driver {
	drv := &Driver{
		msg: log.New(os.Stdout, "ftdila: ", 0),
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

var _ hw.Driver = (*Driver)(nil)

func (drv *Driver) Name() string { return "ftdi-la" }

// device is the driver-private context of one chip.
type device struct {
	state hw.AcqState
	sched hw.Scheduler

	chip chip
	ft   ftdiDevice

	rate   uint64
	limits swlimit.Limits
	ratio  uint64
	tspec  *trigger.Spec

	cnt       *swlimit.Counter
	relay     *stream.Relay
	idlePolls int
	ended     bool
}

func (drv *Driver) Scan(opts map[hw.ConfigKey]interface{}) ([]*hw.DevInst, error) {
	var devs []*hw.DevInst
	for _, ch := range chips {
		ft, err := ftdiOpen(ch.vid, ch.pid)
		if err != nil {
			continue
		}

		dev := &hw.DevInst{
			Vendor: "FTDI",
			Model:  ch.name,
			Serial: fmt.Sprintf("%04x:%04x", ch.vid, ch.pid),
			Driver: drv,
			Priv: &device{
				chip: ch,
				ft:   ft,
				rate: defaultRate,
			},
		}
		for i := 0; i < numChannels; i++ {
			dev.Channels = append(dev.Channels,
				feed.NewChannel(i, fmt.Sprintf("D%d", i), feed.ChannelLogic))
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

func (drv *Driver) ctx(dev *hw.DevInst) (*device, error) {
	c, ok := dev.Priv.(*device)
	if !ok || c == nil {
		return nil, fmt.Errorf("ftdila: device %v not scanned by this driver: %w", dev, acq.ErrArgument)
	}
	return c, nil
}

func (drv *Driver) Open(dev *hw.DevInst) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if dev.Status == hw.StatusActive {
		return nil
	}
	if c.ft == nil {
		ft, err := ftdiOpen(c.chip.vid, c.chip.pid)
		if err != nil {
			return fmt.Errorf("ftdila: could not open %s: %w", c.chip.name, err)
		}
		c.ft = ft
	}

	dev.Status = hw.StatusInitializing
	if err := drv.initChip(c); err != nil {
		_ = c.ft.Close()
		c.ft = nil
		dev.Status = hw.StatusInactive
		return err
	}
	dev.Status = hw.StatusActive
	return nil
}

func (drv *Driver) initChip(c *device) error {
	if err := c.ft.Reset(); err != nil {
		return fmt.Errorf("ftdila: could not reset chip: %w", err)
	}
	if err := c.ft.SetLatencyTimer(2); err != nil {
		return fmt.Errorf("ftdila: could not set latency timer: %w", err)
	}
	if err := c.ft.SetReadChunkSize(0xffff); err != nil {
		return fmt.Errorf("ftdila: could not set read chunk-size: %w", err)
	}
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
	if c.ft != nil {
		_ = c.ft.Close()
		c.ft = nil
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
	case hw.KeyLimitDuration:
		return c.limits.Duration, nil
	case hw.KeyCaptureRatio:
		return c.ratio, nil
	}
	return nil, fmt.Errorf("ftdila: unknown config key %q: %w", key, acq.ErrArgument)
}

func (drv *Driver) ConfigSet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey, val interface{}) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing {
		return fmt.Errorf("ftdila: device %v is capturing: %w", dev, acq.ErrDeviceBusy)
	}

	switch key {
	case hw.KeySampleRate:
		rate, ok := val.(uint64)
		if !ok || rate == 0 || rate > c.chip.maxRate {
			return fmt.Errorf("ftdila: invalid sample rate %v (max %d): %w", val, c.chip.maxRate, acq.ErrArgument)
		}
		c.rate = rate
	case hw.KeyLimitSamples:
		n, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("ftdila: invalid sample limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Samples = n
	case hw.KeyLimitDuration:
		d, ok := val.(time.Duration)
		if !ok {
			return fmt.Errorf("ftdila: invalid duration limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Duration = d
	case hw.KeyCaptureRatio:
		r, ok := val.(uint64)
		if !ok || r > 100 {
			return fmt.Errorf("ftdila: invalid capture ratio %v: %w", val, acq.ErrArgument)
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
			return fmt.Errorf("ftdila: invalid trigger spec %v: %w", val, acq.ErrArgument)
		}
	default:
		return fmt.Errorf("ftdila: unknown config key %q: %w", key, acq.ErrArgument)
	}
	return nil
}

func (drv *Driver) ConfigList(dev *hw.DevInst, grp *hw.ChannelGroup) []hw.ConfigKey {
	return []hw.ConfigKey{
		hw.KeySampleRate,
		hw.KeyLimitSamples,
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
	if dev.Status != hw.StatusActive || c.ft == nil {
		return fmt.Errorf("ftdila: device %v is not open: %w", dev, acq.ErrArgument)
	}
	if c.state != hw.Idle && c.state != hw.Stopped {
		return fmt.Errorf("ftdila: device %v is %v: %w", dev, c.state, acq.ErrDeviceBusy)
	}

	c.state = hw.Configuring
	c.sched = sched
	c.cnt = swlimit.New(c.limits)
	c.idlePolls = 0
	c.ended = false

	pre := 0
	if c.tspec != nil && c.limits.Samples > 0 {
		pre = int(c.limits.Samples * c.ratio / 100)
	}
	relay, err := stream.NewRelay(sched, dev, 1, c.cnt, c.tspec, pre)
	if err != nil {
		c.state = hw.Idle
		return err
	}
	c.relay = relay

	// all pins as inputs; the bitbang baudrate sets the pin-sampling
	// clock.
	if err := c.ft.SetBitmode(0x00, ftdi.ModeBitbang); err != nil {
		c.state = hw.Idle
		return fmt.Errorf("ftdila: could not enable bitbang mode: %w", acq.ErrHardware)
	}
	if err := c.ft.SetBaudrate(int(c.rate / 16)); err != nil {
		c.state = hw.Idle
		return fmt.Errorf("ftdila: could not set sample clock: %w", acq.ErrHardware)
	}
	if err := c.ft.PurgeBuffers(); err != nil {
		c.state = hw.Idle
		return fmt.Errorf("ftdila: could not purge buffers: %w", acq.ErrHardware)
	}

	err = sched.Register(&hw.Source{
		Handle:   c,
		Timeout:  pollInterval,
		Callback: func(ev hw.Event) { drv.onPoll(dev, c) },
	})
	if err != nil {
		c.state = hw.Idle
		return fmt.Errorf("ftdila: could not register source: %w", err)
	}

	if err := sched.Publish(dev, feed.NewHeader()); err != nil {
		_ = sched.Deregister(c)
		c.state = hw.Idle
		return fmt.Errorf("ftdila: could not publish header: %w", err)
	}
	_ = sched.Publish(dev, feed.SampleRate(c.rate))

	c.cnt.Start()
	c.state = hw.Capturing
	drv.msg.Printf("started %v: rate=%d Hz", dev, c.rate)
	return nil
}

// onPoll drains the chip's sample FIFO and routes it through the
// relay. The FTDI read is bounded by the chip's latency timer, well
// under the poll interval.
func (drv *Driver) onPoll(dev *hw.DevInst, c *device) {
	if c.state != hw.Capturing {
		return
	}

	var chunk [4096]byte
	n, err := c.ft.Read(chunk[:])
	if err != nil {
		drv.msg.Printf("could not read samples from %v: %+v", dev, err)
		drv.stop(dev, c)
		return
	}
	if n == 0 {
		c.idlePolls++
		if c.idlePolls > maxIdlePolls {
			drv.msg.Printf("device %v unresponsive: %d data-less polls", dev, c.idlePolls)
			drv.stop(dev, c)
		}
		return
	}
	c.idlePolls = 0

	done, err := c.relay.Process(chunk[:n])
	if err != nil {
		drv.msg.Printf("could not process samples from %v: %+v", dev, err)
		drv.stop(dev, c)
		return
	}
	if done {
		drv.stop(dev, c)
	}
}

// stop disables bitbang mode, deregisters the source and emits the
// End packet. Idempotent.
func (drv *Driver) stop(dev *hw.DevInst, c *device) {
	if c.ended {
		return
	}
	c.state = hw.Draining
	if err := c.ft.SetBitmode(0, ftdi.ModeReset); err != nil {
		drv.msg.Printf("could not reset bit mode of %v: %+v", dev, err)
	}
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
