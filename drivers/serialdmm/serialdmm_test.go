// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package serialdmm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/go-acq/acq"
	"github.com/go-acq/acq/feed"
	"github.com/go-acq/acq/hw"
)

func TestParseReading(t *testing.T) {
	for _, tc := range []struct {
		line   string
		want   float64
		digits int
		qty    feed.Quantity
		unit   feed.Unit
		flags  feed.Flag
		err    bool
	}{
		{
			line:   "DC AUTO 1.2345 V",
			want:   1.2345,
			digits: 4,
			qty:    feed.Voltage,
			unit:   feed.Volt,
			flags:  feed.DC | feed.AutoRange,
		},
		{
			line:   "AC 230.1 mV",
			want:   0.2301,
			digits: 1,
			qty:    feed.Voltage,
			unit:   feed.Volt,
			flags:  feed.AC,
		},
		{
			line:   "12.47 kOhm",
			want:   12470,
			digits: 2,
			qty:    feed.Resistance,
			unit:   feed.Ohm,
		},
		{
			line:   "HOLD REL -0.042 mA",
			want:   -0.000042,
			digits: 3,
			qty:    feed.Current,
			unit:   feed.Ampere,
			flags:  feed.Hold | feed.Relative,
		},
		{
			line:   "50 Hz",
			want:   50,
			digits: 0,
			qty:    feed.Frequency,
			unit:   feed.Hertz,
		},
		{line: "1.0 parsec", err: true},
		{line: "FROB 1.0 V", err: true},
		{line: "V", err: true},
		{line: "DC twelve V", err: true},
	} {
		t.Run(tc.line, func(t *testing.T) {
			r, err := parseReading(tc.line)
			if tc.err {
				if !errors.Is(err, acq.ErrArgument) {
					t.Fatalf("invalid error: got=%v, want=%v", err, acq.ErrArgument)
				}
				return
			}
			if err != nil {
				t.Fatalf("could not parse reading: %+v", err)
			}
			if got := r.value; got != tc.want {
				t.Fatalf("invalid value: got=%v, want=%v", got, tc.want)
			}
			if got := r.digits; got != tc.digits {
				t.Fatalf("invalid digits: got=%d, want=%d", got, tc.digits)
			}
			if r.meaning.Quantity != tc.qty || r.meaning.Unit != tc.unit || r.meaning.Flags != tc.flags {
				t.Fatalf("invalid meaning: got=%v/%v/%v, want=%v/%v/%v",
					r.meaning.Quantity, r.meaning.Unit, r.meaning.Flags,
					tc.qty, tc.unit, tc.flags,
				)
			}
		})
	}
}

type fakeSched struct {
	srcs []*hw.Source
	pkts []feed.Packet
}

func (s *fakeSched) Register(src *hw.Source) error {
	s.srcs = append(s.srcs, src)
	return nil
}

func (s *fakeSched) Deregister(handle interface{}) error {
	for i, src := range s.srcs {
		if src.Handle == handle {
			s.srcs = append(s.srcs[:i], s.srcs[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown source")
}

func (s *fakeSched) Publish(dev *hw.DevInst, pkt feed.Packet) error {
	s.pkts = append(s.pkts, pkt)
	return nil
}

func (s *fakeSched) tick() {
	srcs := make([]*hw.Source, len(s.srcs))
	copy(srcs, s.srcs)
	for _, src := range srcs {
		src.Callback(hw.EventTimeout)
	}
}

// fakePort serves one scripted chunk per read.
type fakePort struct {
	chunks [][]byte
	closed bool
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, nil
	}
	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]
	return copy(buf, chunk), nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func scanDevice(t *testing.T, drv *Driver) *hw.DevInst {
	t.Helper()
	devs, err := drv.Scan(map[hw.ConfigKey]interface{}{hw.KeyConn: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("could not scan: %+v", err)
	}
	return devs[0]
}

func TestAcquisition(t *testing.T) {
	port := &fakePort{
		chunks: [][]byte{
			[]byte("DC 1.000 V\rDC 2.0"), // a reading and a half
			[]byte("00 V\r"),
			[]byte("garbage line\r"),
			[]byte("DC 3.000 V\rDC 4.000 V\r"),
		},
	}
	restore := openPort
	openPort = func(conn string) (io.ReadCloser, error) { return port, nil }
	defer func() { openPort = restore }()

	drv := New(WithLogger(log.New(io.Discard, "serialdmm: ", 0)))
	dev := scanDevice(t, drv)
	sched := &fakeSched{}

	if err := drv.Open(dev); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	if err := drv.ConfigSet(dev, nil, hw.KeyLimitSamples, uint64(4)); err != nil {
		t.Fatalf("could not set sample limit: %+v", err)
	}
	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	for i := 0; i < 10 && len(sched.srcs) > 0; i++ {
		sched.tick()
	}

	var (
		vals []float32
		ends int
	)
	for _, pkt := range sched.pkts {
		switch p := pkt.(type) {
		case feed.Analog:
			vs, err := p.Values()
			if err != nil {
				t.Fatalf("could not decode analog packet: %+v", err)
			}
			vals = append(vals, vs...)
		case feed.End:
			ends++
		}
	}

	want := "[1 2 3 4]"
	if got := fmt.Sprint(vals); got != want {
		t.Fatalf("invalid readings: got=%v, want=%v", got, want)
	}
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}

	if err := drv.Close(dev); err != nil {
		t.Fatalf("could not close device: %+v", err)
	}
	if !port.closed {
		t.Fatalf("port not closed")
	}
}

func TestIdleCeiling(t *testing.T) {
	port := &fakePort{} // never yields data
	restore := openPort
	openPort = func(conn string) (io.ReadCloser, error) { return port, nil }
	defer func() { openPort = restore }()

	drv := New(WithLogger(log.New(io.Discard, "serialdmm: ", 0)))
	dev := scanDevice(t, drv)
	sched := &fakeSched{}

	if err := drv.Open(dev); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	if err := drv.StartAcquisition(dev, sched); err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	for i := 0; i < maxIdlePolls+10 && len(sched.srcs) > 0; i++ {
		sched.tick()
	}

	var ends int
	for _, pkt := range sched.pkts {
		if _, ok := pkt.(feed.End); ok {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("invalid number of end packets: got=%d, want=1", ends)
	}
}

func TestScanNeedsConn(t *testing.T) {
	drv := New(WithLogger(log.New(io.Discard, "serialdmm: ", 0)))
	if _, err := drv.Scan(nil); !errors.Is(err, acq.ErrArgument) {
		t.Fatalf("invalid conn-less scan error: got=%v, want=%v", err, acq.ErrArgument)
	}
}

func TestTCPPort(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer lst.Close()

	go func() {
		conn, err := lst.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("DC 5.000 V\r"))
		time.Sleep(200 * time.Millisecond)
		_ = conn.Close()
	}()

	port, err := openPort("tcp/" + lst.Addr().String())
	if err != nil {
		t.Fatalf("could not open tcp port: %+v", err)
	}
	defer port.Close()

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len("DC 5.000 V\r") && time.Now().Before(deadline) {
		var buf [64]byte
		n, err := port.Read(buf[:])
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if want := "DC 5.000 V\r"; string(got) != want {
		t.Fatalf("invalid data: got=%q, want=%q", got, want)
	}
}
