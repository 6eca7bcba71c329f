// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
)

type fakeDriver struct {
	devs    []*hw.DevInst
	cfg     map[hw.ConfigKey]interface{}
	started int
	stopped int
}

func newFakeDriver() *fakeDriver {
	drv := &fakeDriver{cfg: make(map[hw.ConfigKey]interface{})}
	drv.devs = []*hw.DevInst{{
		Vendor: "ACME",
		Model:  "FAKE-1",
		Serial: "0001",
		Driver: drv,
		Channels: []*feed.Channel{
			feed.NewChannel(0, "D0", feed.ChannelLogic),
		},
	}}
	return drv
}

func (drv *fakeDriver) Name() string { return "fake" }

func (drv *fakeDriver) Scan(opts map[hw.ConfigKey]interface{}) ([]*hw.DevInst, error) {
	return drv.devs, nil
}

func (drv *fakeDriver) Open(dev *hw.DevInst) error {
	dev.Status = hw.StatusActive
	return nil
}

func (drv *fakeDriver) Close(dev *hw.DevInst) error {
	dev.Status = hw.StatusInactive
	return nil
}

func (drv *fakeDriver) ConfigGet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey) (interface{}, error) {
	v, ok := drv.cfg[key]
	if !ok {
		return nil, fmt.Errorf("fake: unknown key %q", key)
	}
	return v, nil
}

func (drv *fakeDriver) ConfigSet(dev *hw.DevInst, grp *hw.ChannelGroup, key hw.ConfigKey, val interface{}) error {
	drv.cfg[key] = val
	return nil
}

func (drv *fakeDriver) ConfigList(dev *hw.DevInst, grp *hw.ChannelGroup) []hw.ConfigKey {
	return []hw.ConfigKey{hw.KeySampleRate, hw.KeyLimitSamples}
}

func (drv *fakeDriver) StartAcquisition(dev *hw.DevInst, sched hw.Scheduler) error {
	drv.started++
	return nil
}

func (drv *fakeDriver) StopAcquisition(dev *hw.DevInst) error {
	drv.stopped++
	return nil
}

func TestServer(t *testing.T) {
	ses := testSession()
	drv := newFakeDriver()

	// commands run on the reactor goroutine; the server only posts them.
	stop := make(chan struct{})
	reactor := make(chan struct{})
	go func() {
		defer close(reactor)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = ses.RunIteration(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-reactor
	}()

	srv, err := NewServer("127.0.0.1:0", ses, drv)
	if err != nil {
		t.Fatalf("could not create control server: %+v", err)
	}
	srv.msg = log.New(io.Discard, "acq-svc: ", 0)

	done := make(chan error)
	go func() { done <- srv.serve() }()
	defer func() {
		srv.close()
		<-done
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial control server: %+v", err)
	}
	defer conn.Close()

	dec := json.NewDecoder(conn)
	send := func(req string) string {
		t.Helper()
		if _, err := conn.Write([]byte(req)); err != nil {
			t.Fatalf("could not send request: %+v", err)
		}
		var rep struct {
			Msg string `json:"msg"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := dec.Decode(&rep); err != nil {
			t.Fatalf("could not decode reply: %+v", err)
		}
		return rep.Msg
	}

	if msg := send(`{"name": "scan", "args": {"driver": "fake"}}`); msg != "ok" {
		t.Fatalf("could not scan: %s", msg)
	}
	if got, want := len(ses.Registry().Devices()), 1; got != want {
		t.Fatalf("invalid number of devices: got=%d, want=%d", got, want)
	}

	if msg := send(`{"name": "scan", "args": {"driver": "nope"}}`); msg == "ok" {
		t.Fatalf("scan with unknown driver did not fail")
	}

	if msg := send(`{"name": "config", "args": {"device": 0, "key": "samplerate", "value": 1000000}}`); msg != "ok" {
		t.Fatalf("could not configure: %s", msg)
	}
	if got, want := drv.cfg[hw.KeySampleRate], uint64(1000000); got != want {
		t.Fatalf("invalid samplerate: got=%v (%T), want=%v", got, got, want)
	}

	if msg := send(`{"name": "config", "args": {"device": 0, "key": "limit-duration", "value": 250}}`); msg != "ok" {
		t.Fatalf("could not configure: %s", msg)
	}
	if got, want := drv.cfg[hw.KeyLimitDuration], 250*time.Millisecond; got != want {
		t.Fatalf("invalid limit-duration: got=%v (%T), want=%v", got, got, want)
	}

	if msg := send(`{"name": "start", "args": {"device": 0}}`); msg != "ok" {
		t.Fatalf("could not start: %s", msg)
	}
	if drv.started != 1 {
		t.Fatalf("invalid number of starts: got=%d, want=1", drv.started)
	}

	if msg := send(`{"name": "status"}`); msg != "ok" {
		t.Fatalf("could not get status: %s", msg)
	}

	if msg := send(`{"name": "stop", "args": {"device": 0}}`); msg != "ok" {
		t.Fatalf("could not stop: %s", msg)
	}
	if drv.stopped != 1 {
		t.Fatalf("invalid number of stops: got=%d, want=1", drv.stopped)
	}

	if msg := send(`{"name": "frobnicate"}`); msg == "ok" {
		t.Fatalf("unknown command did not fail")
	}

	if msg := send(`{"name": "quit"}`); msg != "ok" {
		t.Fatalf("could not quit: %s", msg)
	}
}
