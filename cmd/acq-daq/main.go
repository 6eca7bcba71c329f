// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-daq exposes a capture device as a TDAQ process: the
// logic stream of the device is published on the /samples end-point.
package main // import "github.com/go-acq/acq/cmd/acq-daq"

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-acq/acq/drivers/demo"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/session"
)

func main() {
	cmd := flags.New()

	dev, err := newDAQ(1000000)
	if err != nil {
		log.Panicf("error: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dev.loop(ctx)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.samples)

	err = srv.Run(ctx)
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type daq struct {
	ses *session.Session
	drv hw.Driver
	dev *hw.DevInst

	rate uint64
	data chan []byte
}

func newDAQ(rate uint64) (*daq, error) {
	dev := &daq{
		ses:  session.New(),
		rate: rate,
		data: make(chan []byte, 1024),
	}
	err := dev.ses.AddSink(session.SinkFunc(dev.sink))
	if err != nil {
		return nil, fmt.Errorf("could not add sink: %w", err)
	}
	return dev, nil
}

// loop iterates the session for the lifetime of the process. The
// session is only ever touched from this goroutine; command handlers
// reach it through Post.
func (dev *daq) loop(ctx context.Context) {
	for ctx.Err() == nil {
		err := dev.ses.RunIteration(10 * time.Millisecond)
		if err != nil {
			log.Printf("could not iterate session: %+v", err)
			return
		}
	}
}

func (dev *daq) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (dev *daq) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	return dev.init()
}

func (dev *daq) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if dev.dev != nil && dev.dev.Status != hw.StatusInactive {
		err := dev.ses.Post(func() error { return dev.drv.Close(dev.dev) })
		if err != nil {
			return fmt.Errorf("could not close device %v: %w", dev.dev, err)
		}
	}
	return dev.init()
}

func (dev *daq) init() error {
	dev.drv = demo.New()
	devs, err := dev.drv.Scan(nil)
	if err != nil {
		return fmt.Errorf("could not scan devices: %w", err)
	}
	dev.dev = devs[0]

	err = dev.drv.Open(dev.dev)
	if err != nil {
		return fmt.Errorf("could not open device %v: %w", dev.dev, err)
	}

	err = dev.drv.ConfigSet(dev.dev, nil, hw.KeySampleRate, dev.rate)
	if err != nil {
		return fmt.Errorf("could not configure device %v: %w", dev.dev, err)
	}
	return nil
}

func (dev *daq) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := dev.ses.Post(func() error { return dev.drv.StartAcquisition(dev.dev, dev.ses) })
	if err != nil {
		return fmt.Errorf("could not start acquisition on %v: %w", dev.dev, err)
	}
	return nil
}

func (dev *daq) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	err := dev.ses.Post(func() error { return dev.drv.StopAcquisition(dev.dev) })
	if err != nil {
		return fmt.Errorf("could not stop acquisition on %v: %w", dev.dev, err)
	}
	return nil
}

func (dev *daq) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if dev.dev != nil && dev.dev.Status != hw.StatusInactive {
		err := dev.ses.Post(func() error { return dev.drv.Close(dev.dev) })
		if err != nil {
			return fmt.Errorf("could not close device %v: %w", dev.dev, err)
		}
	}
	return nil
}

// sink forwards logic payloads to the /samples end-point, dropping
// batches when the consumer lags behind.
func (dev *daq) sink(dv *hw.DevInst, pkt feed.Packet) error {
	p, ok := pkt.(feed.Logic)
	if !ok {
		return nil
	}
	raw := make([]byte, len(p.Data))
	copy(raw, p.Data)
	select {
	case dev.data <- raw:
	default:
	}
	return nil
}

func (dev *daq) samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}
