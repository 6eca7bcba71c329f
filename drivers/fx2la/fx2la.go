// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fx2la drives Cypress FX2 based USB logic analyzers running
// the open fx2lafw firmware: 8 or 16 logic channels streamed over one
// bulk IN endpoint, with soft triggering in the host.
package fx2la // import "github.com/go-acq/acq/drivers/fx2la"

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gousb"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/internal/stream"
	"github.com/go-acq/acq/internal/swlimit"
	"github.com/go-acq/acq/trigger"
	"github.com/go-acq/acq/xfer"
)

// firmware vendor requests.
const (
	cmdGetFWVersion = 0xb0
	cmdStart        = 0xb1
	cmdGetRevID     = 0xb2
)

// cmdStart flags.
const (
	startFlagsWide  = 1 << 5
	startFlagsClk48 = 1 << 6
)

const (
	baseClock30 = 30000000 // Hz
	baseClock48 = 48000000 // Hz

	bulkEndpoint = 2
	defaultRate  = 24000000
)

type model struct {
	vid, pid gousb.ID
	vendor   string
	name     string
	wide     bool
}

var models = []model{
	{0x1d50, 0x608c, "sigrok", "fx2lafw", false},
	{0x1d50, 0x608d, "sigrok", "fx2lafw (16ch)", true},
	{0x0925, 0x3881, "Saleae", "Logic", false},
	{0x08a9, 0x0014, "CWAV", "USBee AX", false},
}

// Driver is the fx2lafw driver.
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

// New creates an fx2lafw driver.
func New(opts ...Option) *Driver {
	drv := &Driver{
		msg: log.New(os.Stdout, "fx2la: ", 0),
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

var _ hw.Driver = (*Driver)(nil)

func (drv *Driver) Name() string { return "fx2lafw" }

// device is the driver-private context of one analyzer.
type device struct {
	state hw.AcqState
	sched hw.Scheduler
	wide  bool

	// transport; filled by open, replaced by fakes in tests.
	udev  *gousb.Device
	close func()
	ep    xfer.Endpoint
	ctl   func(req uint8, data []byte) error

	eng    *xfer.Engine
	rate   uint64
	limits swlimit.Limits
	ratio  uint64
	tspec  *trigger.Spec
	unit   int

	cnt   *swlimit.Counter
	relay *stream.Relay
	ended bool
}

// usbOpen claims the analyzer's bulk interface. Swapped out in tests.
var usbOpen = usbOpenImpl

func usbOpenImpl(drv *Driver, c *device) error {
	intf, done, err := c.udev.DefaultInterface()
	if err != nil {
		return fmt.Errorf("fx2la: could not claim interface: %w", err)
	}
	ep, err := intf.InEndpoint(bulkEndpoint)
	if err != nil {
		done()
		return fmt.Errorf("fx2la: could not open bulk endpoint %d: %w", bulkEndpoint, err)
	}

	c.close = done
	c.ep = xfer.NewUSBEndpoint(ep)
	c.ctl = func(req uint8, data []byte) error {
		_, err := c.udev.Control(
			gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
			req, 0, 0, data,
		)
		return err
	}
	return nil
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
		return nil, fmt.Errorf("fx2la: could not enumerate devices: %w", err)
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

		dev := &hw.DevInst{
			Vendor: m.vendor,
			Model:  m.name,
			Serial: serial,
			Driver: drv,
			Priv: &device{
				udev: udev,
				wide: m.wide,
				rate: defaultRate,
			},
		}
		nchan := 8
		if m.wide {
			nchan = 16
		}
		for i := 0; i < nchan; i++ {
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
		return nil, fmt.Errorf("fx2la: device %v not scanned by this driver: %w", dev, acq.ErrArgument)
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

	dev.Status = hw.StatusInitializing
	if err := usbOpen(drv, c); err != nil {
		dev.Status = hw.StatusInactive
		return err
	}

	// the firmware answers the version request once ready.
	var vers [2]byte
	if err := c.ctl(cmdGetFWVersion, vers[:]); err != nil {
		drv.msg.Printf("could not read firmware version of %v: %+v", dev, err)
	}

	dev.Status = hw.StatusActive
	return nil
}

func (drv *Driver) Close(dev *hw.DevInst) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing || c.state == hw.Draining {
		if err := drv.StopAcquisition(dev); err != nil {
			return err
		}
	}
	if c.close != nil {
		c.close()
		c.close = nil
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
	case hw.KeyLimitSamples:
		return c.limits.Samples, nil
	case hw.KeyLimitDuration:
		return c.limits.Duration, nil
	case hw.KeyCaptureRatio:
		return c.ratio, nil
	}
	return nil, fmt.Errorf("fx2la: unknown config key %q: %w", key, acq.ErrArgument)
}

func (drv *Driver) ConfigSet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey, val interface{}) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing || c.state == hw.Draining {
		return fmt.Errorf("fx2la: device %v is %v: %w", dev, c.state, acq.ErrDeviceBusy)
	}

	switch key {
	case hw.KeySampleRate:
		rate, ok := val.(uint64)
		if !ok || rate == 0 || rate > baseClock48 {
			return fmt.Errorf("fx2la: invalid sample rate %v: %w", val, acq.ErrArgument)
		}
		c.rate = rate
	case hw.KeyLimitSamples:
		n, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("fx2la: invalid sample limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Samples = n
	case hw.KeyLimitDuration:
		d, ok := val.(time.Duration)
		if !ok {
			return fmt.Errorf("fx2la: invalid duration limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Duration = d
	case hw.KeyCaptureRatio:
		r, ok := val.(uint64)
		if !ok || r > 100 {
			return fmt.Errorf("fx2la: invalid capture ratio %v: %w", val, acq.ErrArgument)
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
			return fmt.Errorf("fx2la: invalid trigger spec %v: %w", val, acq.ErrArgument)
		}
	default:
		return fmt.Errorf("fx2la: unknown config key %q: %w", key, acq.ErrArgument)
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

// startCommand is the payload of the cmdStart vendor request: capture
// flags and the sample-clock divisor, little endian.
func (c *device) startCommand() []byte {
	var (
		flags byte
		clock uint64 = baseClock30
	)
	if c.wide {
		flags |= startFlagsWide
	}
	if baseClock48%c.rate == 0 {
		flags |= startFlagsClk48
		clock = baseClock48
	}
	delay := clock/c.rate - 1
	return []byte{flags, byte(delay), byte(delay >> 8)}
}

func (drv *Driver) StartAcquisition(dev *hw.DevInst, sched hw.Scheduler) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if dev.Status != hw.StatusActive || c.ep == nil {
		return fmt.Errorf("fx2la: device %v is not open: %w", dev, acq.ErrArgument)
	}
	if c.state != hw.Idle && c.state != hw.Stopped {
		return fmt.Errorf("fx2la: device %v is %v: %w", dev, c.state, acq.ErrDeviceBusy)
	}

	c.state = hw.Configuring
	c.sched = sched
	c.unit = 1
	if c.wide {
		c.unit = 2
	}
	c.cnt = swlimit.New(c.limits)
	c.ended = false

	pre := 0
	if c.tspec != nil && c.limits.Samples > 0 {
		pre = int(c.limits.Samples * c.ratio / 100)
	}
	relay, err := stream.NewRelay(sched, dev, c.unit, c.cnt, c.tspec, pre)
	if err != nil {
		c.state = hw.Idle
		return err
	}
	c.relay = relay

	// size transfers to hold about 10ms of data each, aligned to the
	// endpoint packet size.
	bytesPerMS := int(c.rate * uint64(c.unit) / 1000)
	if bytesPerMS == 0 {
		bytesPerMS = 1
	}
	size := 10 * bytesPerMS
	size -= size % 512
	switch {
	case size < 512:
		size = 512
	case size > 4<<20:
		size = 4 << 20
	}
	ms := size / bytesPerMS
	timeout := time.Duration(ms+ms/4+10) * time.Millisecond
	c.eng = xfer.New(c.ep,
		xfer.WithLogger(drv.msg),
		xfer.WithTransferSize(size, timeout),
	)

	if err := c.ctl(cmdStart, c.startCommand()); err != nil {
		c.state = hw.Idle
		return fmt.Errorf("fx2la: could not start capture: %w", acq.ErrHardware)
	}

	// with a trigger armed the budget stays unlimited: pre-trigger
	// bytes do not count toward the sample limit, and the relay stops
	// the engine once the post-trigger quota is met.
	var limit int64
	if c.limits.Samples > 0 && c.tspec == nil {
		limit = int64(c.limits.Samples) * int64(c.unit)
	}
	if err := c.eng.Start(limit); err != nil {
		c.state = hw.Idle
		return fmt.Errorf("fx2la: could not start transfers: %w", err)
	}

	err = sched.Register(&hw.Source{
		Handle:   c,
		Ready:    c.eng.Ready(),
		Timeout:  time.Second,
		Callback: func(ev hw.Event) { drv.onTransfer(dev, c) },
	})
	if err != nil {
		c.eng.Stop()
		c.state = hw.Idle
		return fmt.Errorf("fx2la: could not register source: %w", err)
	}

	if err := sched.Publish(dev, feed.NewHeader()); err != nil {
		c.eng.Stop()
		_ = sched.Deregister(c)
		c.state = hw.Idle
		return fmt.Errorf("fx2la: could not publish header: %w", err)
	}
	_ = sched.Publish(dev, feed.SampleRate(c.rate))

	c.cnt.Start()
	c.state = hw.Capturing
	drv.msg.Printf("started %v: rate=%d Hz, transfer=%d bytes", dev, c.rate, c.eng.Size())
	return nil
}

// onTransfer collects completed transfers and routes their payloads.
// Hard transfer failures and reached limits escalate to a stop from
// inside the callback; the End packet goes out only once the engine
// has drained.
func (drv *Driver) onTransfer(dev *hw.DevInst, c *device) {
	if c.state != hw.Capturing && c.state != hw.Draining {
		return
	}

	err := c.eng.Pump(func(data []byte) error {
		done, err := c.relay.Process(data)
		if err != nil {
			return err
		}
		if done {
			c.eng.Stop()
			c.state = hw.Draining
		}
		return nil
	})
	if err != nil {
		drv.msg.Printf("transfer failure on %v: %+v", dev, err)
		c.state = hw.Draining
	}

	if c.eng.Drained() {
		drv.finish(dev, c)
	}
}

// finish completes the teardown once no transfer is outstanding.
func (drv *Driver) finish(dev *hw.DevInst, c *device) {
	if c.ended {
		return
	}
	_ = c.sched.Deregister(c)
	_ = c.sched.Publish(dev, feed.End{})
	c.ended = true
	c.state = hw.Stopped
	drv.msg.Printf("stopped %v: %d samples", dev, c.cnt.Samples())
}

func (drv *Driver) StopAcquisition(dev *hw.DevInst) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	switch c.state {
	case hw.Capturing:
		c.state = hw.Draining
		c.eng.Stop()
		if c.eng.Drained() {
			drv.finish(dev, c)
		}
	case hw.Draining:
		// teardown already in flight.
	default:
		return nil
	}
	return nil
}
