// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// usbEndpoint adapts a gousb bulk IN endpoint to the Endpoint
// interface, folding libusb failure codes into the engine's sentinel
// errors.
type usbEndpoint struct {
	ep *gousb.InEndpoint
}

// NewUSBEndpoint wraps a gousb bulk IN endpoint for use with an
// Engine.
func NewUSBEndpoint(ep *gousb.InEndpoint) Endpoint {
	return usbEndpoint{ep: ep}
}

func (usb usbEndpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	n, err := usb.ep.ReadContext(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, gousb.TransferStall) || errors.Is(err, gousb.ErrorPipe):
		err = fmt.Errorf("%v: %w", err, ErrStall)
	case errors.Is(err, gousb.TransferNoDevice) || errors.Is(err, gousb.ErrorNoDevice):
		err = fmt.Errorf("%v: %w", err, ErrNoDevice)
	case errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout):
		err = fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
	case errors.Is(err, gousb.TransferCancelled):
		err = fmt.Errorf("%v: %w", err, context.Canceled)
	}
	return n, err
}
