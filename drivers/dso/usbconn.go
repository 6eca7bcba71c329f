// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dso

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/go-acq/acq"
)

// bulk command opcodes.
const (
	cmdGetChannelData  = 0x05
	cmdGetCaptureState = 0x06
	cmdCaptureStart    = 0x0e
)

// ctrlBeginCommand announces a bulk command on the control pipe.
const ctrlBeginCommand = 0xb3

const (
	bulkOutEndpoint = 2
	bulkInEndpoint  = 6
)

// usbConn is the gousb-backed wire surface of one scope: commands go
// out over a bulk pipe after an announce on EP0, replies and frame
// data come back on a bulk IN pipe.
type usbConn struct {
	udev *gousb.Device
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

var _ conn = (*usbConn)(nil)

func newUSBConn(udev *gousb.Device) (*usbConn, error) {
	intf, done, err := udev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("dso: could not claim interface: %w", err)
	}
	out, err := intf.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		done()
		return nil, fmt.Errorf("dso: could not open bulk-out endpoint %d: %w", bulkOutEndpoint, err)
	}
	in, err := intf.InEndpoint(bulkInEndpoint)
	if err != nil {
		done()
		return nil, fmt.Errorf("dso: could not open bulk-in endpoint %d: %w", bulkInEndpoint, err)
	}
	return &usbConn{udev: udev, done: done, out: out, in: in}, nil
}

func (cn *usbConn) command(cmd byte, payload ...byte) error {
	announce := []byte{0x0f, 0x03, 0x03, 0x03, 0, 0, 0, 0, 0, 0}
	_, err := cn.udev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		ctrlBeginCommand, 0, 0, announce,
	)
	if err != nil {
		return fmt.Errorf("dso: could not announce command %#x: %w", cmd, err)
	}

	buf := append([]byte{cmd, 0}, payload...)
	if _, err := cn.out.Write(buf); err != nil {
		return fmt.Errorf("dso: could not send command %#x: %w", cmd, err)
	}
	return nil
}

func (cn *usbConn) captureState() (byte, error) {
	if err := cn.command(cmdGetCaptureState); err != nil {
		return 0, err
	}
	var rep [512]byte
	n, err := cn.in.Read(rep[:])
	if err != nil {
		return 0, fmt.Errorf("dso: could not read capture state: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("dso: empty capture-state reply: %w", acq.ErrIO)
	}
	return rep[0], nil
}

func (cn *usbConn) startCapture() error {
	return cn.command(cmdCaptureStart)
}

func (cn *usbConn) stopCapture() error {
	// the hardware idles by itself between sweeps; there is no
	// explicit stop command.
	return nil
}

func (cn *usbConn) fetchFrame(p []byte) (int, error) {
	if err := cn.command(cmdGetChannelData); err != nil {
		return 0, err
	}
	tot := 0
	for tot < len(p) {
		n, err := cn.in.Read(p[tot:])
		tot += n
		if err != nil {
			return tot, fmt.Errorf("dso: could not read frame data: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return tot, nil
}

func (cn *usbConn) close() error {
	if cn.done != nil {
		cn.done()
		cn.done = nil
	}
	return nil
}
