// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-capture runs a one-shot acquisition on a single device
// and writes the capture stream to a CSV file.
package main // import "github.com/go-acq/acq/cmd/acq-capture"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/drivers/demo"
	"github.com/go-acq/acq/drivers/dso"
	"github.com/go-acq/acq/drivers/ftdila"
	"github.com/go-acq/acq/drivers/fx2la"
	"github.com/go-acq/acq/drivers/serialdmm"
	"github.com/go-acq/acq/hw"
	"github.com/go-acq/acq/session"
)

func main() {
	var (
		driver  = flag.String("driver", "demo", "driver to capture with")
		conn    = flag.String("conn", "", "transport address of the device, for drivers that need one")
		rate    = flag.Uint64("rate", 0, "sample rate in Hz (0: driver default)")
		samples = flag.Uint64("samples", 0, "number of samples to capture (0: unbounded)")
		frames  = flag.Uint64("frames", 0, "number of frames to capture (0: unbounded)")
		dur     = flag.Duration("duration", 0, "capture duration (0: unbounded)")
		cfg     = flag.String("c", "", "YAML configuration file")
		oname   = flag.String("o", "capture.csv", "output file")
		version = flag.Bool("version", false, "print version information and exit")
	)

	log.SetPrefix("acq-capture: ")
	log.SetFlags(0)

	flag.Parse()

	if *version {
		v, sum := acq.Version()
		fmt.Printf("acq-capture version=%q sum=%q\n", v, sum)
		os.Exit(0)
	}

	err := run(config{
		Driver:  *driver,
		Conn:    *conn,
		Rate:    *rate,
		Samples: *samples,
		Frames:  *frames,
		Dur:     *dur,
	}, *cfg, *oname)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type config struct {
	Driver  string                 `yaml:"driver"`
	Conn    string                 `yaml:"conn"`
	Rate    uint64                 `yaml:"rate"`
	Samples uint64                 `yaml:"samples"`
	Frames  uint64                 `yaml:"frames"`
	Dur     time.Duration          `yaml:"duration"`
	Options map[string]interface{} `yaml:"options"`
}

// merge overlays non-zero flag values on top of the file configuration.
func (cfg *config) merge(flags config) {
	if flags.Driver != "" && flags.Driver != "demo" {
		cfg.Driver = flags.Driver
	}
	if cfg.Driver == "" {
		cfg.Driver = flags.Driver
	}
	if flags.Conn != "" {
		cfg.Conn = flags.Conn
	}
	if flags.Rate != 0 {
		cfg.Rate = flags.Rate
	}
	if flags.Samples != 0 {
		cfg.Samples = flags.Samples
	}
	if flags.Frames != 0 {
		cfg.Frames = flags.Frames
	}
	if flags.Dur != 0 {
		cfg.Dur = flags.Dur
	}
}

func run(flags config, cname, oname string) error {
	cfg := flags
	if cname != "" {
		raw, err := os.ReadFile(cname)
		if err != nil {
			return fmt.Errorf("could not read configuration file: %w", err)
		}
		cfg = config{}
		err = yaml.Unmarshal(raw, &cfg)
		if err != nil {
			return fmt.Errorf("could not parse configuration file %q: %w", cname, err)
		}
		cfg.merge(flags)
	}

	drvs := map[string]hw.Driver{}
	for _, drv := range []hw.Driver{
		demo.New(),
		fx2la.New(),
		dso.New(),
		ftdila.New(),
		serialdmm.New(),
	} {
		drvs[drv.Name()] = drv
	}
	drv, ok := drvs[cfg.Driver]
	if !ok {
		return fmt.Errorf("unknown driver %q", cfg.Driver)
	}

	out, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer out.Close()

	err = capture(drv, cfg, out)
	if err != nil {
		return err
	}

	err = out.Close()
	if err != nil {
		return fmt.Errorf("could not close output file: %w", err)
	}
	return nil
}

func capture(drv hw.Driver, cfg config, out *os.File) error {
	opts := map[hw.ConfigKey]interface{}{}
	if cfg.Conn != "" {
		opts[hw.KeyConn] = cfg.Conn
	}

	devs, err := drv.Scan(opts)
	if err != nil {
		return fmt.Errorf("could not scan with driver %q: %w", drv.Name(), err)
	}
	if len(devs) == 0 {
		return fmt.Errorf("no device found by driver %q", drv.Name())
	}
	dev := devs[0]

	err = drv.Open(dev)
	if err != nil {
		return fmt.Errorf("could not open device %v: %w", dev, err)
	}
	defer func() {
		if err := drv.Close(dev); err != nil {
			log.Printf("could not close device %v: %+v", dev, err)
		}
	}()

	err = configure(dev, cfg)
	if err != nil {
		return err
	}

	ses := session.New()
	if err := ses.Registry().Add(dev); err != nil {
		return fmt.Errorf("could not register device %v: %w", dev, err)
	}

	sink := newCSVSink(out)
	if err := ses.AddSink(sink); err != nil {
		return fmt.Errorf("could not add output sink: %w", err)
	}

	err = drv.StartAcquisition(dev, ses)
	if err != nil {
		return fmt.Errorf("could not start acquisition on %v: %w", dev, err)
	}
	log.Printf("capturing on %v...", dev)

	err = ses.Run(context.Background())
	if err != nil {
		return fmt.Errorf("could not run session: %w", err)
	}
	log.Printf("capturing on %v... [done]", dev)

	return sink.flush()
}

func configure(dev *hw.DevInst, cfg config) error {
	set := func(key hw.ConfigKey, val interface{}) error {
		err := dev.Driver.ConfigSet(dev, nil, key, val)
		if err != nil {
			return fmt.Errorf("could not configure %s=%v on %v: %w", key, val, dev, err)
		}
		return nil
	}

	if cfg.Rate != 0 {
		if err := set(hw.KeySampleRate, cfg.Rate); err != nil {
			return err
		}
	}
	if cfg.Samples != 0 {
		if err := set(hw.KeyLimitSamples, cfg.Samples); err != nil {
			return err
		}
	}
	if cfg.Frames != 0 {
		if err := set(hw.KeyLimitFrames, cfg.Frames); err != nil {
			return err
		}
	}
	if cfg.Dur != 0 {
		if err := set(hw.KeyLimitDuration, cfg.Dur); err != nil {
			return err
		}
	}

	for k, v := range cfg.Options {
		key := hw.ConfigKey(k)
		if err := set(key, coerce(key, v)); err != nil {
			return err
		}
	}
	return nil
}

// coerce maps YAML scalar types to the types the well-known config
// keys expect.
func coerce(key hw.ConfigKey, val interface{}) interface{} {
	switch key {
	case hw.KeySampleRate, hw.KeyLimitSamples, hw.KeyLimitFrames, hw.KeyCaptureRatio:
		switch v := val.(type) {
		case int:
			return uint64(v)
		case int64:
			return uint64(v)
		case float64:
			return uint64(v)
		}
	case hw.KeyLimitDuration:
		switch v := val.(type) {
		case int:
			return time.Duration(v) * time.Millisecond
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	return val
}
