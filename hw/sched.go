// Copyright 2023 The go-acq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"time"

	"github.com/go-acq/acq/feed"
)

// Event tells a source callback why it is being invoked.
type Event uint8

const (
	EventReady   Event = iota + 1 // the source has data pending
	EventTimeout                  // the source's periodic timeout elapsed
)

func (ev Event) String() string {
	switch ev {
	case EventReady:
		return "ready"
	case EventTimeout:
		return "timeout"
	}
	return "invalid"
}

// Interest selects which readiness conditions an FD source is polled
// for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Callback is a source's receive callback. It runs on the scheduler's
// dispatch thread and must not block; it re-arms itself implicitly by
// returning.
type Callback func(ev Event)

// Source is one waitable event source registered with a scheduler.
// Readiness comes either from an OS file descriptor (FD >= 0, polled
// with Interest) or from the Ready channel (transport goroutines post
// a token per pending event). A source with neither fires on Timeout
// only.
type Source struct {
	// Handle is the comparable identity of the source within its
	// session; registering the same handle twice is an error.
	Handle interface{}

	FD       int
	Interest Interest
	Ready    <-chan struct{}

	// Timeout, when non-zero, invokes the callback with EventTimeout
	// whenever no readiness was observed for that long.
	Timeout time.Duration

	Callback Callback
}

// Scheduler is the engine-side surface drivers drive their acquisition
// through: source registration and datafeed publication. It is
// implemented by session.Session.
//
// Deregister is safe to call from within the deregistered source's own
// callback; removal is deferred until after the callback returns.
type Scheduler interface {
	Register(src *Source) error
	Deregister(handle interface{}) error

	// Publish delivers pkt synchronously to every registered sink, in
	// registration order.
	Publish(dev *DevInst, pkt feed.Packet) error
}
