// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-srv runs the acquisition service: a session reactor plus
// a JSON-over-TCP control link exposing the hardware drivers.
package main // import "github.com/go-acq/acq/cmd/acq-srv"

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

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
		addr = flag.String("addr", ":9000", "[ip]:port to listen on for control connections")
	)

	log.SetPrefix("acq-srv: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*addr)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	ses := session.New()
	srv, err := session.NewServer(addr, ses,
		demo.New(),
		fx2la.New(),
		dso.New(),
		ftdila.New(),
		serialdmm.New(),
	)
	if err != nil {
		return err
	}
	log.Printf("serving control connections on %q...", srv.Addr())

	grp, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	grp.Go(func() error {
		defer close(done)
		return srv.RunContext(ctx)
	})
	grp.Go(func() error {
		// keep the reactor alive across acquisitions: the service
		// outlives any single capture. The session is only ever
		// touched from this goroutine; the control server reaches it
		// through Post. Iterate until the server is fully gone, so
		// in-flight commands still get drained, then close the
		// devices from here.
		for {
			select {
			case <-done:
				closeDevices(ses)
				return nil
			default:
			}
			err := ses.RunIteration(100 * time.Millisecond)
			if err != nil {
				return err
			}
		}
	})

	err = grp.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func closeDevices(ses *session.Session) {
	for _, dev := range ses.Registry().Devices() {
		if dev.Status == hw.StatusInactive {
			continue
		}
		if err := dev.Driver.Close(dev); err != nil {
			log.Printf("could not close device %v: %+v", dev, err)
		}
	}
}
