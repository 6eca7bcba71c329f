// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xfer manages pools of in-flight asynchronous bulk reads
// against one device: throughput training, timeout policy,
// resubmission and ordered teardown.
package xfer // import "github.com/go-acq/acq/xfer"

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors an Endpoint implementation folds transport-specific
// failures into, so the engine can apply its abort policy without
// knowing the transport.
var (
	ErrStall    = errors.New("xfer: endpoint stalled")
	ErrNoDevice = errors.New("xfer: device gone")
)

// Endpoint is the transport surface the engine reads from: a bounded
// read that honors ctx cancellation and deadline.
type Endpoint interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// Status is the outcome of one completed transfer.
type Status uint8

const (
	Completed Status = iota + 1
	TimedOut
	Cancelled
	Stall
	NoDevice
	Failed
)

func (st Status) String() string {
	switch st {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	case Stall:
		return "stall"
	case NoDevice:
		return "no-device"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", uint8(st))
}

// Transfer is one completed read: the buffer is owned by the engine
// and handed to the processing path for the duration of the completion
// handling only.
type Transfer struct {
	Buf    []byte
	N      int
	Status Status
	Err    error
}

func classify(err error) Status {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, ErrNoDevice):
		return NoDevice
	case errors.Is(err, ErrStall):
		return Stall
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut
	}
	return Failed
}
