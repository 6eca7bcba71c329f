// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-acq/acq/hw"
)

// Server exposes a session over a JSON-over-TCP control link: one
// request object per command, one reply object per request. Commands
// touch the session only through Post, so the server may run beside a
// goroutine iterating the session.
type Server struct {
	ctl net.Listener
	msg *log.Logger

	ses  *Session
	drvs map[string]hw.Driver
}

// Serve listens on addr and serves control connections until the
// listener fails, driving acquisitions on ses with the given drivers.
// The caller must keep iterating ses; commands block until an
// iteration runs them.
func Serve(addr string, ses *Session, drvs ...hw.Driver) error {
	srv, err := NewServer(addr, ses, drvs...)
	if err != nil {
		return fmt.Errorf("could not create control server: %w", err)
	}
	return srv.serve()
}

// NewServer creates a control server bound to addr.
func NewServer(addr string, ses *Session, drvs ...hw.Driver) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not create control server on %q: %w", addr, err)
	}

	srv := &Server{
		ctl:  ctl,
		msg:  log.New(os.Stdout, "acq-svc: ", 0),
		ses:  ses,
		drvs: make(map[string]hw.Driver, len(drvs)),
	}
	for _, drv := range drvs {
		srv.drvs[drv.Name()] = drv
	}
	return srv, nil
}

// Addr returns the address the control listener is bound to.
func (srv *Server) Addr() net.Addr { return srv.ctl.Addr() }

func (srv *Server) serve() error {
	defer srv.close()

	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			return fmt.Errorf("could not accept connection: %w", err)
		}

		err = srv.handle(conn)
		if err != nil {
			srv.msg.Printf("could not serve connection: %+v", err)
			continue
		}
	}
}

func (srv *Server) handle(conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

loop:
	for {
		var req struct {
			Name string           `json:"name"`
			Args *json.RawMessage `json:"args"`
		}

		err := json.NewDecoder(conn).Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			srv.msg.Printf("could not decode command request: %+v", err)
			srv.reply(conn, err)
			continue
		}
		srv.msg.Printf("received request: name=%q", req.Name)

		switch strings.ToLower(req.Name) {
		case "scan":
			var args struct {
				Driver string                 `json:"driver"`
				Opts   map[string]interface{} `json:"opts"`
			}
			err = unmarshal(req.Args, &args)
			if err != nil {
				srv.msg.Printf("could not decode %q payload: %+v", req.Name, err)
				srv.reply(conn, err)
				continue
			}

			err = srv.ses.Post(func() error { return srv.scan(args.Driver, args.Opts) })
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not scan with driver %q: %+v", args.Driver, err)
				continue
			}

		case "config":
			var args struct {
				Device int         `json:"device"`
				Key    string      `json:"key"`
				Value  interface{} `json:"value"`
			}
			err = unmarshal(req.Args, &args)
			if err != nil {
				srv.msg.Printf("could not decode %q payload: %+v", req.Name, err)
				srv.reply(conn, err)
				continue
			}

			err = srv.ses.Post(func() error { return srv.config(args.Device, hw.ConfigKey(args.Key), args.Value) })
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not configure device %d: %+v", args.Device, err)
				continue
			}

		case "start":
			var args struct {
				Device int `json:"device"`
			}
			err = unmarshal(req.Args, &args)
			if err != nil {
				srv.msg.Printf("could not decode %q payload: %+v", req.Name, err)
				srv.reply(conn, err)
				continue
			}

			err = srv.ses.Post(func() error { return srv.start(args.Device) })
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not start device %d: %+v", args.Device, err)
				continue
			}

		case "stop":
			var args struct {
				Device int `json:"device"`
			}
			err = unmarshal(req.Args, &args)
			if err != nil {
				srv.msg.Printf("could not decode %q payload: %+v", req.Name, err)
				srv.reply(conn, err)
				continue
			}

			err = srv.ses.Post(func() error { return srv.stopDevice(args.Device) })
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not stop device %d: %+v", args.Device, err)
				continue
			}

		case "status":
			_ = srv.ses.Post(func() error { srv.status(conn); return nil })

		case "quit":
			srv.reply(conn, nil)
			break loop

		default:
			srv.msg.Printf("unknown command name=%q", req.Name)
			err = fmt.Errorf("unknown command %q", req.Name)
			srv.reply(conn, err)
			continue
		}
	}

	return nil
}

func unmarshal(raw *json.RawMessage, v interface{}) error {
	if raw == nil {
		return nil
	}
	return json.Unmarshal(*raw, v)
}

func (srv *Server) scan(name string, opts map[string]interface{}) error {
	drv, ok := srv.drvs[name]
	if !ok {
		return fmt.Errorf("unknown driver %q", name)
	}

	kopts := make(map[hw.ConfigKey]interface{}, len(opts))
	for k, v := range opts {
		kopts[hw.ConfigKey(k)] = v
	}

	devs, err := drv.Scan(kopts)
	if err != nil {
		return fmt.Errorf("could not scan with driver %q: %w", name, err)
	}
	for _, dev := range devs {
		err = srv.ses.Registry().Add(dev)
		if err != nil {
			return fmt.Errorf("could not register device %v: %w", dev, err)
		}
	}
	srv.msg.Printf("driver %q: found %d device(s)", name, len(devs))
	return nil
}

func (srv *Server) device(i int) (*hw.DevInst, error) {
	devs := srv.ses.Registry().Devices()
	if i < 0 || i >= len(devs) {
		return nil, fmt.Errorf("unknown device index %d", i)
	}
	return devs[i], nil
}

func (srv *Server) config(i int, key hw.ConfigKey, val interface{}) error {
	dev, err := srv.device(i)
	if err != nil {
		return err
	}
	// JSON numbers decode as float64; the well-known numeric keys
	// carry integer values.
	switch key {
	case hw.KeySampleRate, hw.KeyLimitSamples, hw.KeyLimitFrames, hw.KeyCaptureRatio:
		if f, ok := val.(float64); ok {
			val = uint64(f)
		}
	case hw.KeyLimitDuration:
		if f, ok := val.(float64); ok {
			val = time.Duration(f) * time.Millisecond
		}
	}
	return dev.Driver.ConfigSet(dev, nil, key, val)
}

func (srv *Server) start(i int) error {
	dev, err := srv.device(i)
	if err != nil {
		return err
	}
	if dev.Status == hw.StatusInactive {
		err = dev.Driver.Open(dev)
		if err != nil {
			return fmt.Errorf("could not open device %v: %w", dev, err)
		}
	}
	return dev.Driver.StartAcquisition(dev, srv.ses)
}

func (srv *Server) stopDevice(i int) error {
	dev, err := srv.device(i)
	if err != nil {
		return err
	}
	return dev.Driver.StopAcquisition(dev)
}

func (srv *Server) status(conn net.Conn) {
	type devStatus struct {
		Device string `json:"device"`
		Driver string `json:"driver"`
		Status string `json:"status"`
	}
	var rep struct {
		Msg     string      `json:"msg"`
		Devices []devStatus `json:"devices"`
	}
	rep.Msg = "ok"
	for _, dev := range srv.ses.Registry().Devices() {
		rep.Devices = append(rep.Devices, devStatus{
			Device: dev.String(),
			Driver: dev.Driver.Name(),
			Status: dev.Status.String(),
		})
	}
	_ = json.NewEncoder(conn).Encode(rep)
}

func (srv *Server) reply(conn net.Conn, err error) {
	rep := struct {
		Msg string `json:"msg"`
	}{"ok"}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}

	_ = json.NewEncoder(conn).Encode(rep)
}

func (srv *Server) close() {
	_ = srv.ctl.Close()
}

// RunContext serves control connections until ctx is cancelled.
func (srv *Server) RunContext(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		srv.close()
	}()
	err := srv.serve()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
