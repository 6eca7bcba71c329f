// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package serialdmm drives line-oriented serial multimeters, reached
// either through a local serial port or a TCP-attached serial server.
// The meter streams one ASCII reading per line; each becomes a
// single-sample analog packet carrying the measurement flags.
package serialdmm // import "github.com/go-acq/acq/drivers/serialdmm"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/internal/swlimit"
)

const (
	pollInterval = 50 * time.Millisecond
	readTimeout  = 10 * time.Millisecond
	defaultBaud  = 2400

	// consecutive data-less polls tolerated before the meter is
	// declared unresponsive.
	maxIdlePolls = 100
)

// Driver is the serial multimeter driver.
type Driver struct {
	msg *log.Logger
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets the logger used by the driver.
func WithLogger(msg *log.Logger) Option {
	return func(drv *Driver) { drv.msg = msg }
}

// New creates a serial-dmm driver.
func New(opts ...Option) *Driver {
	drv := &Driver{
		msg: log.New(os.Stdout, "serialdmm: ", 0),
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

var _ hw.Driver = (*Driver)(nil)

func (drv *Driver) Name() string { return "serial-dmm" }

// device is the driver-private context of one meter.
type device struct {
	state hw.AcqState
	sched hw.Scheduler

	conn string
	port io.ReadCloser

	limits swlimit.Limits

	cnt       *swlimit.Counter
	buf       []byte
	idlePolls int
	ended     bool
}

// openPort dials the meter. Swapped out in tests.
var openPort = openPortImpl

// openPortImpl opens conn: "tcp/host:port" dials a serial server,
// anything else is a local serial port name.
func openPortImpl(conn string) (io.ReadCloser, error) {
	if strings.HasPrefix(conn, "tcp/") {
		addr := strings.TrimPrefix(conn, "tcp/")
		c, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			return nil, fmt.Errorf("serialdmm: could not dial %q: %w", addr, err)
		}
		return &deadlineReader{conn: c}, nil
	}

	port, err := serial.Open(conn, &serial.Mode{
		BaudRate: defaultBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialdmm: could not open port %q: %w", conn, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialdmm: could not set read timeout on %q: %w", conn, err)
	}
	return port, nil
}

// deadlineReader gives a net.Conn the bounded-read behavior of a
// serial port with a read timeout: a deadline hit is a zero-byte read,
// not an error.
type deadlineReader struct {
	conn net.Conn
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))
	n, err := r.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		err = nil
	}
	return n, err
}

func (r *deadlineReader) Close() error { return r.conn.Close() }

func (drv *Driver) Scan(opts map[hw.ConfigKey]interface{}) ([]*hw.DevInst, error) {
	conn, ok := opts[hw.KeyConn].(string)
	if !ok || conn == "" {
		return nil, fmt.Errorf("serialdmm: scan needs a %q option: %w", hw.KeyConn, acq.ErrArgument)
	}

	dev := &hw.DevInst{
		Vendor: "generic",
		Model:  "serial-dmm",
		Serial: conn,
		Driver: drv,
		Priv:   &device{conn: conn},
		Channels: []*feed.Channel{
			feed.NewChannel(0, "P1", feed.ChannelAnalog),
		},
	}
	return []*hw.DevInst{dev}, nil
}

func (drv *Driver) ctx(dev *hw.DevInst) (*device, error) {
	c, ok := dev.Priv.(*device)
	if !ok || c == nil {
		return nil, fmt.Errorf("serialdmm: device %v not scanned by this driver: %w", dev, acq.ErrArgument)
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
	port, err := openPort(c.conn)
	if err != nil {
		dev.Status = hw.StatusInactive
		return err
	}
	c.port = port
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
	if c.port != nil {
		_ = c.port.Close()
		c.port = nil
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
	case hw.KeyConn:
		return c.conn, nil
	case hw.KeyLimitSamples:
		return c.limits.Samples, nil
	case hw.KeyLimitDuration:
		return c.limits.Duration, nil
	}
	return nil, fmt.Errorf("serialdmm: unknown config key %q: %w", key, acq.ErrArgument)
}

func (drv *Driver) ConfigSet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey, val interface{}) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if c.state == hw.Capturing {
		return fmt.Errorf("serialdmm: device %v is capturing: %w", dev, acq.ErrDeviceBusy)
	}

	switch key {
	case hw.KeyLimitSamples:
		n, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("serialdmm: invalid sample limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Samples = n
	case hw.KeyLimitDuration:
		d, ok := val.(time.Duration)
		if !ok {
			return fmt.Errorf("serialdmm: invalid duration limit %v: %w", val, acq.ErrArgument)
		}
		c.limits.Duration = d
	default:
		return fmt.Errorf("serialdmm: unknown config key %q: %w", key, acq.ErrArgument)
	}
	return nil
}

func (drv *Driver) ConfigList(dev *hw.DevInst, grp *hw.ChannelGroup) []hw.ConfigKey {
	return []hw.ConfigKey{
		hw.KeyConn,
		hw.KeyLimitSamples,
		hw.KeyLimitDuration,
	}
}

func (drv *Driver) StartAcquisition(dev *hw.DevInst, sched hw.Scheduler) error {
	c, err := drv.ctx(dev)
	if err != nil {
		return err
	}
	if dev.Status != hw.StatusActive || c.port == nil {
		return fmt.Errorf("serialdmm: device %v is not open: %w", dev, acq.ErrArgument)
	}
	if c.state != hw.Idle && c.state != hw.Stopped {
		return fmt.Errorf("serialdmm: device %v is %v: %w", dev, c.state, acq.ErrDeviceBusy)
	}

	c.state = hw.Configuring
	c.sched = sched
	c.cnt = swlimit.New(c.limits)
	c.buf = c.buf[:0]
	c.idlePolls = 0
	c.ended = false

	err = sched.Register(&hw.Source{
		Handle:   c,
		Timeout:  pollInterval,
		Callback: func(ev hw.Event) { drv.onPoll(dev, c) },
	})
	if err != nil {
		c.state = hw.Idle
		return fmt.Errorf("serialdmm: could not register source: %w", err)
	}

	if err := sched.Publish(dev, feed.NewHeader()); err != nil {
		_ = sched.Deregister(c)
		c.state = hw.Idle
		return fmt.Errorf("serialdmm: could not publish header: %w", err)
	}

	c.cnt.Start()
	c.state = hw.Capturing
	drv.msg.Printf("started %v on %q", dev, c.conn)
	return nil
}

// onPoll drains the port and publishes one analog packet per complete
// reading line.
func (drv *Driver) onPoll(dev *hw.DevInst, c *device) {
	if c.state != hw.Capturing {
		return
	}

	var chunk [256]byte
	n, err := c.port.Read(chunk[:])
	if err != nil {
		drv.msg.Printf("could not read from %v: %+v", dev, err)
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
	c.buf = append(c.buf, chunk[:n]...)

	for {
		i := bytes.IndexAny(c.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(c.buf[:i])
		c.buf = c.buf[i+1:]
		if line == "" {
			continue
		}

		r, err := parseReading(line)
		if err != nil {
			drv.msg.Printf("could not parse reading from %v: %+v", dev, err)
			continue
		}
		drv.emit(dev, c, r)

		if c.cnt.Reached() {
			drv.stop(dev, c)
			return
		}
	}
}

func (drv *Driver) emit(dev *hw.DevInst, c *device, r reading) {
	pkt := feed.NewAnalog(r.digits)
	pkt.Meaning = r.meaning
	pkt.Meaning.Channels = dev.Channels[:1]
	pkt.SetFloats([]float32{float32(r.value)})
	_ = c.sched.Publish(dev, pkt)
	c.cnt.AddSamples(1)
}

// stop deregisters the poll source and emits the End packet.
// Idempotent.
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
	drv.msg.Printf("stopped %v: %d readings", dev, c.cnt.Samples())
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
